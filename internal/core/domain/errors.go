package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPeerBusy             = errors.New("peer busy")
	ErrNoAnswer             = errors.New("no answer")
	ErrNegotiationTimeout   = errors.New("negotiation timeout")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
	// ErrDeclined reports the Declined outcome. It is not a failure.
	ErrDeclined = errors.New("call declined")

	ErrPeerUnreachable   = errors.New("peer unreachable")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBufferDrained     = errors.New("candidate buffer already drained")
	ErrInvalidPeer       = errors.New("invalid peer id")
	ErrInvalidSignal     = errors.New("invalid signal payload")

	ErrTooManyCalls = fmt.Errorf("too many active calls: %w", ErrPeerBusy)
)
