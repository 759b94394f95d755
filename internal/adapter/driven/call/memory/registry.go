package memory

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

type entry struct {
	id  domain.SessionID
	dir domain.Direction
}

// Registry implements port.CallRegistry in process memory.
type Registry struct {
	mu         sync.Mutex
	entries    map[domain.PairKey]entry
	pairs      map[domain.SessionID]domain.PairKey
	maxEntries int
}

// NewRegistry caps concurrent sessions at maxEntries; zero means unbounded.
func NewRegistry(maxEntries int) *Registry {
	return &Registry{
		entries:    make(map[domain.PairKey]entry),
		pairs:      make(map[domain.SessionID]domain.PairKey),
		maxEntries: maxEntries,
	}
}

func (r *Registry) Reserve(local, remote domain.PeerID, dir domain.Direction) (port.Reservation, error) {
	key := domain.NewPairKey(local, remote)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		// Glare: the polite side lets the inbound offer take over its own
		// outgoing attempt. The impolite side keeps it.
		if dir == domain.Incoming && e.dir == domain.Outgoing && domain.RoleFor(local, remote) == domain.Polite {
			e.dir = domain.Incoming
			r.entries[key] = e
			return port.Reservation{ID: e.id, Direction: e.dir, Preempted: true}, nil
		}
		return port.Reservation{ID: e.id, Direction: e.dir}, domain.ErrPeerBusy
	}
	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		return port.Reservation{}, domain.ErrTooManyCalls
	}

	e := entry{id: domain.NewSessionID(), dir: dir}
	r.entries[key] = e
	r.pairs[e.id] = key
	return port.Reservation{ID: e.id, Direction: dir}, nil
}

func (r *Registry) Release(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.pairs[id]
	if !ok {
		return false
	}
	delete(r.pairs, id)
	if e, ok := r.entries[key]; ok && e.id == id {
		delete(r.entries, key)
	}
	return true
}

func (r *Registry) Lookup(local, remote domain.PeerID) (port.Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[domain.NewPairKey(local, remote)]
	if !ok {
		return port.Reservation{}, false
	}
	return port.Reservation{ID: e.id, Direction: e.dir}, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
