package pion

import (
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// MediaKinds parses raw SDP and lists the audio and video sections it
// carries, in order.
func MediaKinds(raw string) ([]domain.MediaKind, error) {
	var s sdp.SessionDescription
	if err := s.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignal, err)
	}
	var kinds []domain.MediaKind
	for _, m := range s.MediaDescriptions {
		if k, err := domain.ParseMediaKind(m.MediaName.Media); err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

func toPion(desc domain.Description) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case domain.SDPTypeOffer:
		t = webrtc.SDPTypeOffer
	case domain.SDPTypeAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: description type %q", domain.ErrInvalidSignal, desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func fromPion(desc webrtc.SessionDescription) domain.Description {
	t := domain.SDPTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer || desc.Type == webrtc.SDPTypePranswer {
		t = domain.SDPTypeAnswer
	}
	return domain.Description{Type: t, SDP: desc.SDP}
}

func kindOf(k webrtc.RTPCodecType) (domain.MediaKind, bool) {
	switch k {
	case webrtc.RTPCodecTypeAudio:
		return domain.MediaAudio, true
	case webrtc.RTPCodecTypeVideo:
		return domain.MediaVideo, true
	default:
		return "", false
	}
}

func codecType(k domain.MediaKind) webrtc.RTPCodecType {
	if k == domain.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
