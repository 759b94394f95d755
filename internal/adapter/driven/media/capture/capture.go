// Package capture provides local media sources for calls.
package capture

import (
	"errors"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNotAcquired = errors.New("track set was not acquired from this capture")
	ErrNoDevices   = errors.New("device capture not available in this build")
)

func mimeType(kind domain.MediaKind) string {
	if kind == domain.MediaVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

// DeviceOptions bounds what device capture asks the hardware for.
type DeviceOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{MaxWidth: 640, MaxHeight: 480, VideoBitRate: 1_500_000}
}

func uniqueKinds(kinds []domain.MediaKind) []domain.MediaKind {
	var out []domain.MediaKind
	seen := make(map[domain.MediaKind]bool, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
