package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.MediaKind
}

// TrackSet is one acquisition of local capture.
type TrackSet struct {
	Tracks []LocalTrack
}

func (ts *TrackSet) Kinds() []domain.MediaKind {
	if ts == nil {
		return nil
	}
	kinds := make([]domain.MediaKind, 0, len(ts.Tracks))
	for _, t := range ts.Tracks {
		kinds = append(kinds, t.Kind())
	}
	return kinds
}

type MediaCapture interface {
	Acquire(ctx context.Context, kinds ...domain.MediaKind) (*TrackSet, error)
	Release(ts *TrackSet) error
}

type OfferOptions struct {
	ICERestart bool
	// Receive lists kinds the offer must be able to receive even with no
	// local track of that kind.
	Receive []domain.MediaKind
}

type MediaChannel interface {
	CreateOffer(ctx context.Context, opts OfferOptions) (domain.Description, error)
	CreateAnswer(ctx context.Context) (domain.Description, error)
	SetLocalDescription(desc domain.Description) error
	SetRemoteDescription(desc domain.Description) error
	AddICECandidate(c domain.Candidate) error
	AddLocalTrack(t LocalTrack) error
	// SetTrackEnabled mutes or unmutes the sender of kind without renegotiation.
	SetTrackEnabled(kind domain.MediaKind, enabled bool) error
	Close() error

	OnICECandidate(fn func(domain.Candidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnRenegotiationNeeded(fn func())
	OnFailed(fn func(error))
}

type MediaChannelFactory interface {
	NewChannel(ctx context.Context, session domain.SessionID) (MediaChannel, error)
}
