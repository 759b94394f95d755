package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type stubCalls struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]domain.CallSession
	actions  []string
}

func newStub() *stubCalls {
	return &stubCalls{sessions: map[domain.SessionID]domain.CallSession{
		"s1": {ID: "s1", RemotePeer: "bob", Direction: domain.Incoming, State: domain.StateCalling, Media: []domain.MediaKind{domain.MediaAudio}},
	}}
}

func (s *stubCalls) record(a string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

func (s *stubCalls) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *stubCalls) Sessions() []domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallSession
	for _, c := range s.sessions {
		out = append(out, c)
	}
	return out
}

func (s *stubCalls) Dial(_ context.Context, peer domain.PeerID, media ...domain.MediaKind) (domain.CallSession, error) {
	switch peer {
	case "busy":
		return domain.CallSession{}, fmt.Errorf("initiate: %w", domain.ErrPeerBusy)
	case "gone":
		return domain.CallSession{}, domain.ErrPeerUnreachable
	}
	s.record(fmt.Sprintf("dial:%s:%v", peer, media))
	return domain.CallSession{ID: "s2", RemotePeer: peer, Direction: domain.Outgoing, State: domain.StateCalling, Media: media}, nil
}

func (s *stubCalls) lookup(id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("call %s: %w", id, domain.ErrSessionNotFound)
	}
	return nil
}

func (s *stubCalls) Accept(_ context.Context, id domain.SessionID) error {
	if err := s.lookup(id); err != nil {
		return err
	}
	s.record("accept:" + string(id))
	return nil
}

func (s *stubCalls) Decline(_ context.Context, id domain.SessionID) error {
	if err := s.lookup(id); err != nil {
		return err
	}
	return fmt.Errorf("decline %s: %w", id, domain.ErrInvalidTransition)
}

func (s *stubCalls) SetMedia(_ context.Context, id domain.SessionID, kind domain.MediaKind, enabled bool) error {
	if err := s.lookup(id); err != nil {
		return err
	}
	s.record(fmt.Sprintf("media:%s:%s:%t", id, kind, enabled))
	return nil
}

func (s *stubCalls) Hangup(_ context.Context, id domain.SessionID) error {
	if err := s.lookup(id); err != nil {
		return err
	}
	s.record("hangup:" + string(id))
	return nil
}

func startControl(t *testing.T) (*httptest.Server, *stubCalls) {
	t.Helper()
	stub := newStub()
	srv := httptest.NewServer(NewHandler(stub).NewRouter())
	t.Cleanup(srv.Close)
	return srv, stub
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListCalls(t *testing.T) {
	srv, _ := startControl(t)
	resp := do(t, http.MethodGet, srv.URL+"/calls")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got []callDTO
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" || got[0].Peer != "bob" {
		t.Fatalf("calls=%+v", got)
	}
}

func TestListCallsEncodesState(t *testing.T) {
	srv, _ := startControl(t)
	resp := do(t, http.MethodGet, srv.URL+"/calls")
	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 1 || raw[0]["state"] != "calling" {
		t.Fatalf("raw=%v", raw)
	}
}

func TestDial(t *testing.T) {
	srv, stub := startControl(t)

	resp := do(t, http.MethodPost, srv.URL+"/calls/carol?media=audio,video")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["peer"] != "carol" || got["direction"] != "outgoing" {
		t.Fatalf("call=%v", got)
	}
	if want := []string{"dial:carol:[audio video]"}; !slices.Equal(stub.Actions(), want) {
		t.Fatalf("actions=%v, want %v", stub.Actions(), want)
	}
}

func TestDialErrors(t *testing.T) {
	srv, _ := startControl(t)
	cases := map[string]int{
		"/calls/busy":              http.StatusConflict,
		"/calls/gone":              http.StatusBadGateway,
		"/calls/carol?media=smell": http.StatusBadRequest,
	}
	for path, want := range cases {
		if got := do(t, http.MethodPost, srv.URL+path).StatusCode; got != want {
			t.Fatalf("POST %s status=%d, want %d", path, got, want)
		}
	}
}

func TestSessionActions(t *testing.T) {
	srv, stub := startControl(t)
	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/calls/s1/accept", http.StatusNoContent},
		{http.MethodPost, "/calls/s1/media/video?enabled=false", http.StatusNoContent},
		{http.MethodPost, "/calls/s1/media/video", http.StatusBadRequest},
		{http.MethodPost, "/calls/s1/media/smell?enabled=true", http.StatusBadRequest},
		{http.MethodPost, "/calls/s1/decline", http.StatusConflict},
		{http.MethodPost, "/calls/nope/accept", http.StatusNotFound},
		{http.MethodDelete, "/calls/s1", http.StatusNoContent},
		{http.MethodDelete, "/calls/nope", http.StatusNotFound},
	}
	for _, c := range cases {
		if got := do(t, c.method, srv.URL+c.path).StatusCode; got != c.want {
			t.Fatalf("%s %s status=%d, want %d", c.method, c.path, got, c.want)
		}
	}
	want := []string{"accept:s1", "media:s1:video:false", "hangup:s1"}
	if !slices.Equal(stub.Actions(), want) {
		t.Fatalf("actions=%v, want %v", stub.Actions(), want)
	}
}
