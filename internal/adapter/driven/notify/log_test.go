package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type track struct{}

func (track) ID() string { return "t1" }
func (track) StreamID() string { return "s" }
func (track) Kind() domain.MediaKind { return domain.MediaVideo }

func TestAutoAccept(t *testing.T) {
	o := NewLogObserver()
	accepted := make(chan domain.SessionID, 1)
	o.AutoAccept(func(_ context.Context, id domain.SessionID) error {
		accepted <- id
		return errors.New("already ended")
	})

	o.OnIncomingCall(domain.CallSession{ID: "s1", RemotePeer: "bob"})
	select {
	case id := <-accepted:
		if id != "s1" {
			t.Fatalf("accepted %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("incoming call not accepted")
	}
}

func TestWithoutAcceptOnlyLogs(t *testing.T) {
	o := NewLogObserver()
	o.OnIncomingCall(domain.CallSession{ID: "s1", RemotePeer: "bob"})
	o.OnStateChanged(domain.CallSession{ID: "s1", State: domain.StateFailed, Reason: domain.ReasonNegotiationTimeout})
	o.OnRemoteTrack("s1", track{})
}
