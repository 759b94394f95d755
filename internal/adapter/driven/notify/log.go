// Package notify surfaces call events to the operator of a headless peer.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// AcceptFunc answers a ringing session.
type AcceptFunc func(ctx context.Context, id domain.SessionID) error

// LogObserver writes every call event to the log. With an AcceptFunc set it
// also answers incoming calls.
type LogObserver struct {
	acceptTimeout time.Duration

	mu     sync.RWMutex
	accept AcceptFunc
}

func NewLogObserver() *LogObserver {
	return &LogObserver{acceptTimeout: 10 * time.Second}
}

// AutoAccept installs fn. It is set after construction since the call
// service needs the observer first.
func (o *LogObserver) AutoAccept(fn AcceptFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accept = fn
}

func (o *LogObserver) OnIncomingCall(call domain.CallSession) {
	log.Info().
		Str("session_id", string(call.ID)).
		Str("peer", string(call.RemotePeer)).
		Interface("media", call.Media).
		Msg("Incoming call")

	o.mu.RLock()
	accept := o.accept
	o.mu.RUnlock()
	if accept == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.acceptTimeout)
		defer cancel()
		if err := accept(ctx, call.ID); err != nil {
			log.Warn().Err(err).Str("session_id", string(call.ID)).Msg("Auto accept failed")
		}
	}()
}

func (o *LogObserver) OnStateChanged(call domain.CallSession) {
	e := log.Info()
	if call.State == domain.StateFailed {
		e = log.Warn()
	}
	e.Str("session_id", string(call.ID)).
		Str("peer", string(call.RemotePeer)).
		Str("state", call.State.String()).
		Str("reason", string(call.Reason)).
		Msg("Call state changed")
}

func (o *LogObserver) OnRemoteTrack(session domain.SessionID, track port.RemoteTrack) {
	log.Info().
		Str("session_id", string(session)).
		Str("kind", string(track.Kind())).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("Remote track")
}
