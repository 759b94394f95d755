package domain

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventCallOffer    EventType = "call-offer"
	EventCallAnswer   EventType = "call-answer"
	EventICECandidate EventType = "ice-candidate"
	EventCallDeclined EventType = "call-declined"
	EventCallEnded    EventType = "call-ended"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(s); k {
	case MediaAudio, MediaVideo:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown media kind %q", ErrInvalidSignal, s)
	}
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// Description is an opaque session description.
type Description struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

func (d Description) Validate() error {
	if d.Type != SDPTypeOffer && d.Type != SDPTypeAnswer {
		return fmt.Errorf("%w: description type %q", ErrInvalidSignal, d.Type)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidSignal)
	}
	return nil
}

func (d *Description) Equal(o *Description) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Type == o.Type && d.SDP == o.SDP
}

// Candidate is an opaque network path hint.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Routing fields shared by every call payload. Session is the sender's own
// session id; PeerSession echoes the recipient's id once the sender knows it.
type Envelope struct {
	From        PeerID    `json:"from"`
	Session     SessionID `json:"session"`
	PeerSession SessionID `json:"peerSession,omitempty"`
}

func (e Envelope) Validate() error {
	if e.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidSignal)
	}
	if e.Session == "" {
		return fmt.Errorf("%w: missing session", ErrInvalidSignal)
	}
	return nil
}

// Seq numbers the offers a session sends, starting at 1.
type OfferPayload struct {
	Envelope
	Offer Description `json:"offer"`
	Media []MediaKind `json:"media,omitempty"`
	Seq   int         `json:"seq,omitempty"`
}

func (p OfferPayload) Validate() error {
	if err := p.Envelope.Validate(); err != nil {
		return err
	}
	if p.Offer.Type != SDPTypeOffer {
		return fmt.Errorf("%w: call-offer carries %q", ErrInvalidSignal, p.Offer.Type)
	}
	return p.Offer.Validate()
}

// AnswerPayload.Seq names the offer being answered. Rollback names the
// sender's own offer it discarded to accept that one.
type AnswerPayload struct {
	Envelope
	Answer   Description `json:"answer"`
	Seq      int         `json:"seq,omitempty"`
	Rollback int         `json:"rollback,omitempty"`
}

func (p AnswerPayload) Validate() error {
	if err := p.Envelope.Validate(); err != nil {
		return err
	}
	if p.Answer.Type != SDPTypeAnswer {
		return fmt.Errorf("%w: call-answer carries %q", ErrInvalidSignal, p.Answer.Type)
	}
	return p.Answer.Validate()
}

type CandidatePayload struct {
	Envelope
	Candidate Candidate `json:"candidate"`
}

func (p CandidatePayload) Validate() error {
	if err := p.Envelope.Validate(); err != nil {
		return err
	}
	if p.Candidate.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrInvalidSignal)
	}
	return nil
}

type DeclinedPayload struct {
	Envelope
}

type EndedPayload struct {
	Envelope
	Reason string `json:"reason,omitempty"`
}

type payload interface {
	Validate() error
}

func Decode[T payload](data []byte) (T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func Encode(p payload) ([]byte, error) {
	return json.Marshal(p)
}
