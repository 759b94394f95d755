package ws

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const presenceTimeout = time.Second

// Hub routes frames between connected peers and tracks who is online.
// It implements port.Presence.
type Hub struct {
	mu       sync.RWMutex
	clients  map[domain.PeerID]Client
	presence port.PresenceSink

	route      chan Frame
	register   chan Client
	unregister chan Client
	quit       chan struct{}
	stopOnce   sync.Once
}

// NewHub mirrors online/offline changes into presence when it is not nil.
func NewHub(presence port.PresenceSink) *Hub {
	return &Hub{
		clients:    make(map[domain.PeerID]Client),
		presence:   presence,
		route:      make(chan Frame, 256),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Route(f Frame) {
	select {
	case h.route <- f:
	default:
		log.Warn().Str("to", string(f.To)).Str("event", string(f.Event)).Msg("Route channel full, dropping frame")
	}
}

func (h *Hub) IsReachable(_ context.Context, peer domain.PeerID) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[peer]
	return ok, nil
}

func (h *Hub) Online() []domain.PeerID {
	h.mu.RLock()
	peers := make([]domain.PeerID, 0, len(h.clients))
	for id := range h.clients {
		peers = append(peers, id)
	}
	h.mu.RUnlock()
	slices.Sort(peers)
	return peers
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			old := h.clients[client.ID()]
			h.clients[client.ID()] = client
			h.mu.Unlock()
			if old != nil && old != client {
				old.Close()
				log.Info().Str("peer", string(client.ID())).Msg("Client replaced by a new connection")
			}
			log.Info().Str("peer", string(client.ID())).Msg("Client registered")
			h.markOnline(client.ID())

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.ID()]
			if ok && current == client {
				delete(h.clients, client.ID())
			}
			h.mu.Unlock()
			client.Close()
			if ok && current == client {
				log.Info().Str("peer", string(client.ID())).Msg("Client unregistered")
				h.markOffline(client.ID())
			}

		case f := <-h.route:
			h.mu.RLock()
			client, ok := h.clients[f.To]
			h.mu.RUnlock()
			if !ok {
				log.Debug().Str("to", string(f.To)).Str("event", string(f.Event)).Msg("Recipient offline, frame dropped")
				continue
			}
			if err := client.Send(f); err != nil {
				log.Error().Err(err).Str("peer", string(f.To)).Msg("Error sending frame")
				h.mu.Lock()
				if h.clients[f.To] == client {
					delete(h.clients, f.To)
				}
				h.mu.Unlock()
				client.Close()
				h.markOffline(f.To)
			}
		}
	}
}

func (h *Hub) markOnline(peer domain.PeerID) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.MarkOnline(ctx, peer); err != nil {
		log.Warn().Err(err).Str("peer", string(peer)).Msg("Failed to publish presence")
	}
}

func (h *Hub) markOffline(peer domain.PeerID) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.MarkOffline(ctx, peer); err != nil {
		log.Warn().Err(err).Str("peer", string(peer)).Msg("Failed to publish presence")
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
