package control

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
)

type callDTO struct {
	ID          domain.SessionID   `json:"id"`
	Peer        domain.PeerID      `json:"peer"`
	Direction   domain.Direction   `json:"direction"`
	Role        domain.Role        `json:"role"`
	State       domain.State       `json:"state"`
	Reason      domain.Reason      `json:"reason,omitempty"`
	Media       []domain.MediaKind `json:"media"`
	Established bool               `json:"established"`
	CreatedAt   time.Time          `json:"createdAt"`
}

func toDTO(s domain.CallSession) callDTO {
	media := s.Media
	if media == nil {
		media = []domain.MediaKind{}
	}
	return callDTO{
		ID:          s.ID,
		Peer:        s.RemotePeer,
		Direction:   s.Direction,
		Role:        s.Role,
		State:       s.State,
		Reason:      s.Reason,
		Media:       media,
		Established: s.Established,
		CreatedAt:   s.CreatedAt,
	}
}

func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	sessions := h.Calls.Sessions()
	out := make([]callDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// Dial calls a peer. ?media=audio,video overrides the configured kinds.
func (h *Handler) Dial(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(chi.URLParam(r, "peer"))

	var media []domain.MediaKind
	if raw := r.URL.Query().Get("media"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			k, err := domain.ParseMediaKind(strings.TrimSpace(part))
			if err != nil {
				writeError(w, err)
				return
			}
			media = append(media, k)
		}
	}

	s, err := h.Calls.Dial(r.Context(), peer, media...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(s))
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Calls.Accept)
}

func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Calls.Decline)
}

func (h *Handler) Hangup(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Calls.Hangup)
}

// SetMedia toggles a kind with ?enabled=true|false.
func (h *Handler) SetMedia(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseMediaKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: enabled must be true or false", domain.ErrInvalidSignal))
		return
	}
	id := domain.SessionID(chi.URLParam(r, "id"))
	if err := h.Calls.SetMedia(r.Context(), id, kind, enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) act(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id domain.SessionID) error) {
	id := domain.SessionID(chi.URLParam(r, "id"))
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
