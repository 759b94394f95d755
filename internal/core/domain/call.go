package domain

import (
	"fmt"
	"strings"
	"time"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Role decides who yields when both sides send an offer at the same time.
type Role string

const (
	Polite   Role = "polite"
	Impolite Role = "impolite"
)

// RoleFor is Polite iff local sorts after remote byte-wise.
// Both peers compute opposite roles for the same pair.
func RoleFor(local, remote PeerID) Role {
	if strings.Compare(string(local), string(remote)) > 0 {
		return Polite
	}
	return Impolite
}

type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateNegotiating
	StateInCall
	StateEnding
	StateEnded
	StateFailed
	StateDeclined
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateInCall:
		return "in_call"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	case StateDeclined:
		return "declined"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateDeclined; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", text)
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateDeclined
}

var transitions = map[State][]State{
	StateIdle:        {StateCalling, StateRinging},
	StateCalling:     {StateRinging, StateInCall, StateEnding},
	StateRinging:     {StateNegotiating, StateEnding},
	StateNegotiating: {StateInCall, StateEnding},
	StateInCall:      {StateNegotiating, StateEnding},
	StateEnding:      {StateEnded, StateFailed, StateDeclined},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason records why a session left the happy path.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonHangup               Reason = "hangup"
	ReasonRemoteHangup         Reason = "remote_hangup"
	ReasonDeclined             Reason = "declined"
	ReasonNoAnswer             Reason = "no_answer"
	ReasonBusy                 Reason = "busy"
	ReasonNegotiationTimeout   Reason = "negotiation_timeout"
	ReasonNegotiationFailed    Reason = "negotiation_failed"
	ReasonTransportUnavailable Reason = "transport_unavailable"
	ReasonMediaFailed          Reason = "media_failed"
	ReasonShutdown             Reason = "shutdown"
)

// Terminal returns the final state a session ending for r settles in.
func (r Reason) Terminal() State {
	switch r {
	case ReasonHangup, ReasonRemoteHangup, ReasonShutdown:
		return StateEnded
	case ReasonDeclined:
		return StateDeclined
	default:
		return StateFailed
	}
}

func (r Reason) Err() error {
	switch r {
	case ReasonNone, ReasonHangup, ReasonRemoteHangup, ReasonShutdown:
		return nil
	case ReasonDeclined:
		return ErrDeclined
	case ReasonNoAnswer:
		return ErrNoAnswer
	case ReasonBusy:
		return ErrPeerBusy
	case ReasonNegotiationTimeout:
		return ErrNegotiationTimeout
	case ReasonTransportUnavailable:
		return ErrTransportUnavailable
	case ReasonMediaFailed:
		return fmt.Errorf("media connection failed: %w", ErrNegotiationFailed)
	default:
		return ErrNegotiationFailed
	}
}

// RemoteReason maps the reason carried by a peer's call-ended to the local one.
func RemoteReason(wire string) Reason {
	switch r := Reason(wire); r {
	case ReasonNoAnswer, ReasonBusy, ReasonNegotiationTimeout, ReasonNegotiationFailed, ReasonMediaFailed:
		return r
	default:
		return ReasonRemoteHangup
	}
}

type CallSession struct {
	ID                SessionID
	LocalPeer         PeerID
	RemotePeer        PeerID
	Direction         Direction
	Role              Role
	State             State
	Reason            Reason
	LocalDescription  *Description
	RemoteDescription *Description
	Media             []MediaKind
	Established       bool
	Round             int
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

func NewCallSession(id SessionID, local, remote PeerID, dir Direction, media []MediaKind, now time.Time) *CallSession {
	return &CallSession{
		ID:             id,
		LocalPeer:      local,
		RemotePeer:     remote,
		Direction:      dir,
		Role:           RoleFor(local, remote),
		State:          StateIdle,
		Media:          append([]MediaKind(nil), media...),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Transition moves the session to the given state. Terminal states never move.
func (s *CallSession) Transition(to State, now time.Time) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	s.LastActivityAt = now
	if to == StateInCall {
		s.Established = true
	}
	return nil
}

func (s *CallSession) HasMedia(kind MediaKind) bool {
	for _, k := range s.Media {
		if k == kind {
			return true
		}
	}
	return false
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *CallSession) Snapshot() CallSession {
	cp := *s
	cp.Media = append([]MediaKind(nil), s.Media...)
	return cp
}
