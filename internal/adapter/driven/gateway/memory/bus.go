package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

type laneKey struct {
	to  domain.PeerID
	evt domain.EventType
}

type message struct {
	from    domain.PeerID
	evt     domain.EventType
	payload []byte
}

type lane struct {
	queue   []message
	running bool
	held    bool
}

// Bus connects in-process endpoints. Each (recipient, event type) lane is
// delivered by its own goroutine, so order holds within a type and not across
// types.
type Bus struct {
	mu        sync.Mutex
	endpoints map[domain.PeerID]*Endpoint
	lanes     map[laneKey]*lane
	sent      map[domain.EventType]int
}

func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[domain.PeerID]*Endpoint),
		lanes:     make(map[laneKey]*lane),
		sent:      make(map[domain.EventType]int),
	}
}

// Endpoint attaches peer to the bus, replacing any previous endpoint.
func (b *Bus) Endpoint(peer domain.PeerID) *Endpoint {
	e := &Endpoint{bus: b, peer: peer, handlers: make(map[int]port.SignalHandler)}
	b.mu.Lock()
	b.endpoints[peer] = e
	b.mu.Unlock()
	return e
}

// Hold parks deliveries of evt to peer until Resume.
func (b *Bus) Hold(to domain.PeerID, evt domain.EventType) {
	b.mu.Lock()
	b.lane(laneKey{to: to, evt: evt}).held = true
	b.mu.Unlock()
}

func (b *Bus) Resume(to domain.PeerID, evt domain.EventType) {
	key := laneKey{to: to, evt: evt}
	b.mu.Lock()
	l := b.lane(key)
	l.held = false
	start := startLocked(l)
	b.mu.Unlock()
	if start {
		go b.pump(key)
	}
}

// Sent counts every message handed to the bus for evt, delivered or not.
func (b *Bus) Sent(evt domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[evt]
}

func (b *Bus) Online(peer domain.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.endpoints[peer]
	return ok && !e.closed
}

// IsReachable lets the bus stand in for presence.
func (b *Bus) IsReachable(_ context.Context, peer domain.PeerID) (bool, error) {
	return b.Online(peer), nil
}

func (b *Bus) lane(key laneKey) *lane {
	l, ok := b.lanes[key]
	if !ok {
		l = &lane{}
		b.lanes[key] = l
	}
	return l
}

func startLocked(l *lane) bool {
	if l.running || l.held || len(l.queue) == 0 {
		return false
	}
	l.running = true
	return true
}

func (b *Bus) send(from, to domain.PeerID, evt domain.EventType, payload []byte) {
	data := append([]byte(nil), payload...)
	key := laneKey{to: to, evt: evt}

	b.mu.Lock()
	b.sent[evt]++
	if e, ok := b.endpoints[to]; !ok || e.closed {
		b.mu.Unlock()
		return
	}
	l := b.lane(key)
	l.queue = append(l.queue, message{from: from, evt: evt, payload: data})
	start := startLocked(l)
	b.mu.Unlock()

	if start {
		go b.pump(key)
	}
}

func (b *Bus) pump(key laneKey) {
	for {
		b.mu.Lock()
		l := b.lanes[key]
		if l.held || len(l.queue) == 0 {
			l.running = false
			b.mu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		dest := b.endpoints[key.to]
		b.mu.Unlock()

		if dest != nil {
			dest.deliver(msg)
		}
	}
}

// Endpoint is one peer's port.SignalingTransport on the bus.
type Endpoint struct {
	bus  *Bus
	peer domain.PeerID

	mu       sync.Mutex
	handlers map[int]port.SignalHandler
	next     int

	closed bool // guarded by bus.mu
}

func (e *Endpoint) Send(ctx context.Context, to domain.PeerID, evt domain.EventType, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.bus.mu.Lock()
	closed := e.closed
	e.bus.mu.Unlock()
	if closed {
		return domain.ErrTransportUnavailable
	}
	e.bus.send(e.peer, to, evt, payload)
	return nil
}

func (e *Endpoint) Subscribe(handler port.SignalHandler) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.handlers[id] = handler
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Close detaches the endpoint: its sends fail and messages to it are dropped.
func (e *Endpoint) Close() error {
	e.bus.mu.Lock()
	e.closed = true
	e.bus.mu.Unlock()
	return nil
}

func (e *Endpoint) deliver(msg message) {
	e.bus.mu.Lock()
	closed := e.closed
	e.bus.mu.Unlock()
	if closed {
		return
	}

	e.mu.Lock()
	handlers := make([]port.SignalHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(msg.from, msg.evt, msg.payload)
	}
}
