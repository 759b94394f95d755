package ws

import (
	"encoding/json"
	"errors"

	"github.com/Wyydra/yacall/internal/core/domain"
)

var ErrClientClosed = errors.New("client closed")

// Frame is the relay wire envelope. The hub stamps From with the sender's
// registered peer id, whatever the client put there.
type Frame struct {
	To      domain.PeerID    `json:"to,omitempty"`
	From    domain.PeerID    `json:"from,omitempty"`
	Event   domain.EventType `json:"event"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// Client is one connected peer as seen by the hub.
type Client interface {
	ID() domain.PeerID
	Send(f Frame) error
	Close() error
}
