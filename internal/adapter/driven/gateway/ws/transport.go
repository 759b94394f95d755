package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	WriteWait      = 5 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = PongWait * 9 / 10
	MaxFrameSize   = 64 << 10
	sendQueueDepth = 256
)

// Transport is a peer's connection to the relay hub. It implements
// port.SignalingTransport.
type Transport struct {
	peer domain.PeerID
	conn *websocket.Conn
	send chan Frame

	mu       sync.Mutex
	handlers map[int]port.SignalHandler
	next     int

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// Dial connects to the hub at rawURL as peer.
func Dial(ctx context.Context, rawURL string, peer domain.PeerID) (*Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("peer", string(peer))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w: %w", u.Host, domain.ErrTransportUnavailable, err)
	}

	t := &Transport{
		peer:     peer,
		conn:     conn,
		send:     make(chan Frame, sendQueueDepth),
		handlers: make(map[int]port.SignalHandler),
		closed:   make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	log.Info().Str("peer", string(peer)).Str("relay", u.Host).Msg("Connected to relay")
	return t, nil
}

func (t *Transport) Send(ctx context.Context, to domain.PeerID, evt domain.EventType, payload []byte) error {
	f := Frame{To: to, From: t.peer, Event: evt, Payload: append([]byte(nil), payload...)}
	select {
	case <-t.closed:
		return domain.ErrTransportUnavailable
	default:
	}
	select {
	case t.send <- f:
		return nil
	case <-t.closed:
		return domain.ErrTransportUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
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

// Done is closed when the connection is gone. Err then tells why.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

func (t *Transport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}

func (t *Transport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.err = cause
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
		_ = t.conn.Close()
		close(t.closed)
	})
}

func (t *Transport) readPump() {
	t.conn.SetReadLimit(MaxFrameSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(PongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		var f Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("peer", string(t.peer)).Msg("Relay connection lost")
			}
			t.shutdown(fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err))
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(PongWait))

		t.mu.Lock()
		handlers := make([]port.SignalHandler, 0, len(t.handlers))
		for _, h := range t.handlers {
			handlers = append(handlers, h)
		}
		t.mu.Unlock()
		for _, h := range handlers {
			h(f.From, f.Event, f.Payload)
		}
	}
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-t.send:
			data, err := json.Marshal(f)
			if err != nil {
				log.Warn().Err(err).Str("event", string(f.Event)).Msg("Frame not sent")
				continue
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.shutdown(fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err))
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait)); err != nil {
				t.shutdown(fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err))
				return
			}
		case <-t.closed:
			return
		}
	}
}
