package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type SignalHandler func(from domain.PeerID, evt domain.EventType, payload []byte)

// SignalingTransport delivers call events between peers. Send is fire and
// forget. Order is kept only for the same event type to the same peer.
type SignalingTransport interface {
	Send(ctx context.Context, to domain.PeerID, evt domain.EventType, payload []byte) error
	Subscribe(handler SignalHandler) (cancel func())
}

type Presence interface {
	IsReachable(ctx context.Context, peer domain.PeerID) (bool, error)
}

// PresenceSink receives online/offline updates from the relay.
type PresenceSink interface {
	MarkOnline(ctx context.Context, peer domain.PeerID) error
	MarkOffline(ctx context.Context, peer domain.PeerID) error
}
