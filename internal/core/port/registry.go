package port

import "github.com/Wyydra/yacall/internal/core/domain"

type Reservation struct {
	ID        domain.SessionID
	Direction domain.Direction
	// Preempted is set when an inbound attempt took over our own outgoing
	// entry for the pair. The session keeps its id and yields in place.
	Preempted bool
}

// CallRegistry holds at most one session per unordered peer pair.
type CallRegistry interface {
	// Reserve atomically checks and inserts. On ErrPeerBusy the returned
	// reservation names the session already holding the pair.
	Reserve(local, remote domain.PeerID, dir domain.Direction) (Reservation, error)
	Release(id domain.SessionID) bool
	Lookup(local, remote domain.PeerID) (Reservation, bool)
	Len() int
}
