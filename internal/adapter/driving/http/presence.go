package http

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type presenceDTO struct {
	Peer   domain.PeerID `json:"peer"`
	Online bool          `json:"online"`
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(chi.URLParam(r, "peer"))
	online, err := h.Presence.IsReachable(r.Context(), peer)
	if err != nil {
		log.Warn().Err(err).Str("peer", string(peer)).Msg("Presence lookup failed")
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, presenceDTO{Peer: peer, Online: online})
}

// ListOnline lists the peers connected to this relay.
func (h *Handler) ListOnline(w http.ResponseWriter, r *http.Request) {
	peers := h.Hub.Online()
	out := make([]presenceDTO, 0, len(peers))
	for _, p := range peers {
		out = append(out, presenceDTO{Peer: p, Online: true})
	}
	writeJSON(w, http.StatusOK, out)
}
