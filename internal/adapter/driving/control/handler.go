// Package control is the local HTTP surface of a headless peer.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Controller is the call surface the API drives, keyed by session id.
type Controller interface {
	Sessions() []domain.CallSession
	Dial(ctx context.Context, peer domain.PeerID, media ...domain.MediaKind) (domain.CallSession, error)
	Accept(ctx context.Context, id domain.SessionID) error
	Decline(ctx context.Context, id domain.SessionID) error
	SetMedia(ctx context.Context, id domain.SessionID, kind domain.MediaKind, enabled bool) error
	Hangup(ctx context.Context, id domain.SessionID) error
}

type Handler struct {
	Calls Controller
}

func NewHandler(calls Controller) *Handler {
	return &Handler{Calls: calls}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/calls", func(r chi.Router) {
		r.Get("/", h.ListCalls)
		r.Post("/{peer}", h.Dial)
		r.Post("/{id}/accept", h.Accept)
		r.Post("/{id}/decline", h.Decline)
		r.Post("/{id}/media/{kind}", h.SetMedia)
		r.Delete("/{id}", h.Hangup)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error writing response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPeer), errors.Is(err, domain.ErrInvalidSignal):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPeerUnreachable), errors.Is(err, domain.ErrTransportUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrPeerBusy),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionClosed),
		errors.Is(err, domain.ErrDeclined):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Call request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
