package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/redisclient"
	"github.com/Wyydra/yacall/internal/core/domain"
	goredis "github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("YACALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("YACALL_TEST_REDIS_ADDR not set")
	}
	client, err := redisclient.Open(context.Background(), redisclient.Options{Addr: addr})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTransportDeliversInOrder(t *testing.T) {
	client := testClient(t)
	prefix := "yacall-test:" + domain.NewSessionID().String()
	ctx := context.Background()

	alice, err := New(ctx, client, prefix, "alice")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	defer alice.Close()
	bob, err := New(ctx, client, prefix, "bob")
	if err != nil {
		t.Fatalf("New bob: %v", err)
	}
	defer bob.Close()

	type got struct {
		from domain.PeerID
		evt  domain.EventType
		data string
	}
	inbox := make(chan got, 4)
	bob.Subscribe(func(from domain.PeerID, evt domain.EventType, payload []byte) {
		inbox <- got{from, evt, string(payload)}
	})

	for i, evt := range []domain.EventType{domain.EventCallOffer, domain.EventICECandidate} {
		payload := []byte(`{"n":` + string(rune('1'+i)) + `}`)
		if err := alice.Send(ctx, "bob", evt, payload); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	want := []got{
		{"alice", domain.EventCallOffer, `{"n":1}`},
		{"alice", domain.EventICECandidate, `{"n":2}`},
	}
	for _, w := range want {
		select {
		case g := <-inbox:
			if g != w {
				t.Fatalf("got %+v, want %+v", g, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("nothing received, want %+v", w)
		}
	}
}

func TestTransportCloseEndsLoop(t *testing.T) {
	client := testClient(t)
	tr, err := New(context.Background(), client, "yacall-test:"+domain.NewSessionID().String(), "carol")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop still running after close")
	}
}
