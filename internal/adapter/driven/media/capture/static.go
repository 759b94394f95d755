package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence decodes to one frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Track is a sample-fed local track.
type Track struct {
	kind  domain.MediaKind
	local *webrtc.TrackLocalStaticSample
}

func (t *Track) ID() string { return t.local.ID() }
func (t *Track) Kind() domain.MediaKind { return t.kind }
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *Track) WriteSample(s media.Sample) error {
	return t.local.WriteSample(s)
}

// Static hands out synthetic tracks. Audio tracks optionally carry Opus
// silence so the remote side sees packets flowing.
type Static struct {
	streamID string
	silence  bool

	mu   sync.Mutex
	live map[*port.TrackSet]context.CancelFunc
}

func NewStatic(streamID string, silence bool) *Static {
	if streamID == "" {
		streamID = "yacall"
	}
	return &Static{
		streamID: streamID,
		silence:  silence,
		live:     make(map[*port.TrackSet]context.CancelFunc),
	}
}

func (s *Static) Acquire(ctx context.Context, kinds ...domain.MediaKind) (*port.TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts := &port.TrackSet{}
	var audio []*Track
	for _, k := range uniqueKinds(kinds) {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: mimeType(k)},
			fmt.Sprintf("%s-%s", k, uuid.NewString()),
			s.streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create %s track: %w", k, err)
		}
		t := &Track{kind: k, local: local}
		ts.Tracks = append(ts.Tracks, t)
		if k == domain.MediaAudio {
			audio = append(audio, t)
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	if s.silence {
		for _, t := range audio {
			go pumpSilence(pumpCtx, t)
		}
	}

	s.mu.Lock()
	s.live[ts] = cancel
	s.mu.Unlock()

	log.Debug().Interface("kinds", ts.Kinds()).Msg("Local media acquired")
	return ts, nil
}

func (s *Static) Release(ts *port.TrackSet) error {
	s.mu.Lock()
	cancel, ok := s.live[ts]
	delete(s.live, ts)
	s.mu.Unlock()

	if !ok {
		return ErrNotAcquired
	}
	cancel()
	return nil
}

// Live reports how many acquisitions are still unreleased.
func (s *Static) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func pumpSilence(ctx context.Context, t *Track) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("track_id", t.ID()).Msg("Silence write failed")
				return
			}
		}
	}
}
