package domain

import (
	"strings"

	"github.com/google/uuid"
)

// PeerID is the identity token of a party, issued by the external auth layer.
type PeerID string

func (id PeerID) String() string {
	return string(id)
}

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return SessionID(id.String()), nil
}

func (s SessionID) String() string {
	return string(s)
}

// PairKey identifies an unordered pair of peers.
type PairKey struct {
	Low  PeerID
	High PeerID
}

func NewPairKey(a, b PeerID) PairKey {
	if strings.Compare(string(a), string(b)) > 0 {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

func (k PairKey) String() string {
	return string(k.Low) + "|" + string(k.High)
}
