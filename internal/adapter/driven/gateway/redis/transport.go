package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/adapter/driven/redisclient"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type message struct {
	From    domain.PeerID    `json:"from"`
	Event   domain.EventType `json:"event"`
	Payload json.RawMessage  `json:"payload"`
}

// Transport signals over Redis pub/sub with one channel per peer. A peer
// that is not subscribed misses what is published to it, like an offline
// peer on the websocket relay.
type Transport struct {
	client *redis.Client
	prefix string
	peer   domain.PeerID
	sub    *redis.PubSub

	mu       sync.Mutex
	handlers map[int]port.SignalHandler
	next     int

	done chan struct{}
}

func New(ctx context.Context, client *redis.Client, prefix string, peer domain.PeerID) (*Transport, error) {
	t := &Transport{
		client:   client,
		prefix:   prefix,
		peer:     peer,
		handlers: make(map[int]port.SignalHandler),
		done:     make(chan struct{}),
	}
	t.sub = client.Subscribe(ctx, t.channel(peer))
	if _, err := t.sub.Receive(ctx); err != nil {
		_ = t.sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %w", peer, domain.ErrTransportUnavailable, err)
	}
	go t.loop()
	return t, nil
}

func (t *Transport) channel(peer domain.PeerID) string {
	return redisclient.Key(t.prefix, "signal", string(peer))
}

func (t *Transport) Send(ctx context.Context, to domain.PeerID, evt domain.EventType, payload []byte) error {
	data, err := json.Marshal(message{From: t.peer, Event: evt, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt, err)
	}
	if err := t.client.Publish(ctx, t.channel(to), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", evt, domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (t *Transport) Subscribe(handler port.SignalHandler) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.handlers[id] = handler
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

// Done is closed once the subscription ends.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) Close() error {
	return t.sub.Close()
}

func (t *Transport) loop() {
	defer close(t.done)
	for msg := range t.sub.Channel() {
		var m message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			log.Warn().Err(err).Str("channel", msg.Channel).Msg("Malformed signal on redis")
			continue
		}

		t.mu.Lock()
		handlers := make([]port.SignalHandler, 0, len(t.handlers))
		for _, h := range t.handlers {
			handlers = append(handlers, h)
		}
		t.mu.Unlock()
		for _, h := range handlers {
			h(m.From, m.Event, m.Payload)
		}
	}
}
