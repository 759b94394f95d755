package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TODO: restrict to configured origins once the web client is served separately.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errSlowClient = errors.New("client send queue full")

// WSClient is a hub member backed by a websocket connection. Writes go
// through a single pump goroutine.
type WSClient struct {
	id   domain.PeerID
	conn *websocket.Conn
	send chan ws.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(id domain.PeerID, conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     id,
		conn:   conn,
		send:   make(chan ws.Frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *WSClient) ID() domain.PeerID {
	return c.id
}

func (c *WSClient) Send(f ws.Frame) error {
	select {
	case <-c.closed:
		return ws.ErrClientClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return errSlowClient
	}
}

func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(ws.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ws.WriteWait))
			if err := c.conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Str("peer", string(c.id)).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.WriteWait)); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ServeWS attaches a peer to the hub. The peer id comes from the query
// string and is stamped on every frame it sends.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(r.URL.Query().Get("peer"))
	if peer == "" {
		writeError(w, http.StatusBadRequest, "missing peer")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(peer, conn)
	l := log.With().Str("peer", string(peer)).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	go client.writePump()

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		client.Close()
	}()

	conn.SetReadLimit(ws.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	})

	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(ws.PongWait))

		if f.To == "" || f.Event == "" {
			l.Warn().Msg("Frame without recipient or event dropped")
			continue
		}
		f.From = peer
		h.Hub.Route(f)
	}
}
