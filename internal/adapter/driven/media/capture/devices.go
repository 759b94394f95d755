//go:build devices && linux

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type deviceTrack struct {
	t    mediadevices.Track
	kind domain.MediaKind
}

func (d deviceTrack) ID() string { return d.t.ID() }
func (d deviceTrack) Kind() domain.MediaKind { return d.kind }
func (d deviceTrack) TrackLocal() webrtc.TrackLocal { return d.t }

// Devices captures from the local camera and microphone.
type Devices struct {
	opts     DeviceOptions
	selector *mediadevices.CodecSelector

	// Hardware can only be opened once at a time.
	acquire sync.Mutex

	mu   sync.Mutex
	live map[*port.TrackSet][]mediadevices.Track
}

func OpenDevices(opts DeviceOptions) (port.MediaCapture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if opts.VideoBitRate > 0 {
		vpxParams.BitRate = opts.VideoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	for _, d := range devices {
		log.Info().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("Media device found")
	}

	return &Devices{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		live: make(map[*port.TrackSet][]mediadevices.Track),
	}, nil
}

func (d *Devices) Acquire(ctx context.Context, kinds ...domain.MediaKind) (*port.TrackSet, error) {
	d.acquire.Lock()
	defer d.acquire.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	for _, k := range uniqueKinds(kinds) {
		switch k {
		case domain.MediaVideo:
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes on some cameras emit frames the encoder chokes on.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
				c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			}
		case domain.MediaAudio:
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetTracks()
	ts := &port.TrackSet{}
	for _, t := range tracks {
		kind := domain.MediaAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaVideo
		}
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("kind", string(kind)).Msg("Local track ended")
			}
		})
		ts.Tracks = append(ts.Tracks, deviceTrack{t: t, kind: kind})
	}

	d.mu.Lock()
	d.live[ts] = tracks
	d.mu.Unlock()
	return ts, nil
}

func (d *Devices) Release(ts *port.TrackSet) error {
	d.mu.Lock()
	tracks, ok := d.live[ts]
	delete(d.live, ts)
	d.mu.Unlock()

	if !ok {
		return ErrNotAcquired
	}
	for _, t := range tracks {
		t.Close()
	}
	return nil
}
