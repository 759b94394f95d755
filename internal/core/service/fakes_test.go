package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	gwmem "github.com/Wyydra/yacall/internal/adapter/driven/gateway/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

const (
	sigStable         = "stable"
	sigHaveLocalOffer = "have-local-offer"
	sigHaveRemote     = "have-remote-offer"
)

// fakeChannel follows the offer/answer state rules of a real peer connection
// and records what was applied to it.
type fakeChannel struct {
	owner      domain.PeerID
	candidates int

	mu        sync.Mutex
	state     string
	ops       []string
	remote    *domain.Description
	offers    int
	answers   int
	closes    int
	candErrs  int
	emitted   bool
	tracks    map[domain.MediaKind]bool

	onCandidate func(domain.Candidate)
	onTrack     func(port.RemoteTrack)
	onReneg     func()
	onFailed    func(error)
}

func newFakeChannel(owner domain.PeerID, candidates int) *fakeChannel {
	return &fakeChannel{
		owner:      owner,
		candidates: candidates,
		state:      sigStable,
		tracks:     make(map[domain.MediaKind]bool),
	}
}

func (f *fakeChannel) CreateOffer(_ context.Context, opts port.OfferOptions) (domain.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return domain.Description{
		Type: domain.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s #%d %v", f.owner, f.offers, opts.Receive),
	}, nil
}

func (f *fakeChannel) CreateAnswer(context.Context) (domain.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != sigHaveRemote {
		return domain.Description{}, fmt.Errorf("create answer in %s", f.state)
	}
	f.answers++
	return domain.Description{
		Type: domain.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer %s #%d", f.owner, f.answers),
	}, nil
}

func (f *fakeChannel) SetLocalDescription(d domain.Description) error {
	f.mu.Lock()
	switch {
	case d.Type == domain.SDPTypeOffer && f.state == sigStable:
		f.state = sigHaveLocalOffer
	case d.Type == domain.SDPTypeAnswer && f.state == sigHaveRemote:
		f.state = sigStable
	default:
		f.mu.Unlock()
		return fmt.Errorf("set local %s in %s", d.Type, f.state)
	}
	f.ops = append(f.ops, "local:"+string(d.Type))
	emit := !f.emitted
	f.emitted = true
	fn := f.onCandidate
	n := f.candidates
	f.mu.Unlock()

	if emit && fn != nil {
		for i := 1; i <= n; i++ {
			fn(domain.Candidate{Candidate: fmt.Sprintf("%s-%d", f.owner, i)})
		}
	}
	return nil
}

func (f *fakeChannel) SetRemoteDescription(d domain.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.SDP == "" {
		return errors.New("empty sdp")
	}
	switch {
	case d.Type == domain.SDPTypeOffer && f.state != sigHaveLocalOffer:
		f.state = sigHaveRemote
	case d.Type == domain.SDPTypeAnswer && f.state == sigHaveLocalOffer:
		f.state = sigStable
	default:
		return fmt.Errorf("set remote %s in %s", d.Type, f.state)
	}
	f.remote = &d
	f.ops = append(f.ops, "remote:"+string(d.Type))
	return nil
}

func (f *fakeChannel) AddICECandidate(c domain.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		f.candErrs++
		return errors.New("remote description not set")
	}
	f.ops = append(f.ops, "cand:"+c.Candidate)
	return nil
}

func (f *fakeChannel) AddLocalTrack(t port.LocalTrack) error {
	f.mu.Lock()
	f.tracks[t.Kind()] = true
	fire := f.remote != nil && f.state == sigStable
	fn := f.onReneg
	f.mu.Unlock()
	if fire && fn != nil {
		go fn()
	}
	return nil
}

func (f *fakeChannel) SetTrackEnabled(kind domain.MediaKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tracks[kind]; !ok {
		return fmt.Errorf("no %s track", kind)
	}
	f.tracks[kind] = enabled
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) OnICECandidate(fn func(domain.Candidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnRemoteTrack(fn func(port.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnRenegotiationNeeded(fn func()) {
	f.mu.Lock()
	f.onReneg = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnFailed(fn func(error)) {
	f.mu.Lock()
	f.onFailed = fn
	f.mu.Unlock()
}

func (f *fakeChannel) Ops(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, op := range f.ops {
		if strings.HasPrefix(op, prefix) {
			out = append(out, op)
		}
	}
	return out
}

func (f *fakeChannel) AllOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeChannel) stat(fn func(f *fakeChannel) int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f)
}

func (f *fakeChannel) Signaling() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) HasTrack(kind domain.MediaKind) (present, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enabled, present = f.tracks[kind]
	return present, enabled
}

type fakeFactory struct {
	owner      domain.PeerID
	candidates int
	// delay stalls every NewChannel, like a slow ICE agent setup.
	delay time.Duration

	mu       sync.Mutex
	channels []*fakeChannel
	fail     error
}

func (f *fakeFactory) NewChannel(context.Context, domain.SessionID) (port.MediaChannel, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	ch := newFakeChannel(f.owner, f.candidates)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeFactory) Channel(t *testing.T, i int) *fakeChannel {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.channels) {
		t.Fatalf("%s opened %d media channels, want more than %d", f.owner, len(f.channels), i)
	}
	return f.channels[i]
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFactory) Last(t *testing.T) *fakeChannel {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		t.Fatalf("%s opened no media channel", f.owner)
	}
	return f.channels[len(f.channels)-1]
}

type fakeTrack struct {
	id   string
	kind domain.MediaKind
}

func (t fakeTrack) ID() string             { return t.id }
func (t fakeTrack) Kind() domain.MediaKind { return t.kind }

type fakeCapture struct {
	gate chan struct{}
	fail error

	mu       sync.Mutex
	live     map[*port.TrackSet]bool
	acquired int
	released int
	doubles  int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{live: make(map[*port.TrackSet]bool)}
}

// Acquire ignores ctx once gated, like a device open that cannot be aborted.
func (c *fakeCapture) Acquire(_ context.Context, kinds ...domain.MediaKind) (*port.TrackSet, error) {
	if c.gate != nil {
		<-c.gate
	}
	if c.fail != nil {
		return nil, c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := &port.TrackSet{}
	for _, k := range kinds {
		ts.Tracks = append(ts.Tracks, fakeTrack{id: fmt.Sprintf("%s-%d", k, c.acquired), kind: k})
	}
	c.live[ts] = true
	c.acquired++
	return ts, nil
}

func (c *fakeCapture) Release(ts *port.TrackSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live[ts] {
		c.doubles++
		return errors.New("track set not live")
	}
	delete(c.live, ts)
	c.released++
	return nil
}

func (c *fakeCapture) Counts() (live, acquired, released, doubles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live), c.acquired, c.released, c.doubles
}

type recorder struct {
	mu         sync.Mutex
	states     map[domain.SessionID][]domain.State
	incoming   chan domain.CallSession
	onIncoming func(domain.CallSession)
}

func newRecorder() *recorder {
	return &recorder{
		states:   make(map[domain.SessionID][]domain.State),
		incoming: make(chan domain.CallSession, 16),
	}
}

func (r *recorder) OnIncomingCall(cs domain.CallSession) {
	r.incoming <- cs
	r.mu.Lock()
	fn := r.onIncoming
	r.mu.Unlock()
	if fn != nil {
		fn(cs)
	}
}

func (r *recorder) OnStateChanged(cs domain.CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[cs.ID] = append(r.states[cs.ID], cs.State)
}

func (r *recorder) OnRemoteTrack(domain.SessionID, port.RemoteTrack) {}

func (r *recorder) States(id domain.SessionID) []domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.State(nil), r.states[id]...)
}

type testPeer struct {
	id       domain.PeerID
	svc      *CallService
	registry *callmem.Registry
	factory  *fakeFactory
	capture  *fakeCapture
	rec      *recorder
	endpoint *gwmem.Endpoint
	presence port.Presence

	// channels and media default to factory and capture.
	channels port.MediaChannelFactory
	media    port.MediaCapture
}

type peerOption func(cfg *Config, p *testPeer)

func newTestPeer(t *testing.T, bus *gwmem.Bus, id domain.PeerID, opts ...peerOption) *testPeer {
	t.Helper()
	p := &testPeer{
		id:       id,
		registry: callmem.NewRegistry(0),
		factory:  &fakeFactory{owner: id, candidates: 2},
		capture:  newFakeCapture(),
		rec:      newRecorder(),
		endpoint: bus.Endpoint(id),
	}
	p.channels, p.media = p.factory, p.capture
	cfg := Config{
		LocalPeer:          id,
		RingTimeout:        3 * time.Second,
		NegotiationTimeout: 3 * time.Second,
		MediaWait:          time.Second,
	}
	for _, opt := range opts {
		opt(&cfg, p)
	}
	p.svc = NewCallService(cfg, Dependencies{
		Registry:  p.registry,
		Transport: p.endpoint,
		Channels:  p.channels,
		Capture:   p.media,
		Presence:  p.presence,
		Observer:  p.rec,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := p.svc.Shutdown(ctx); err != nil {
			t.Errorf("%s shutdown: %v", id, err)
		}
	})
	return p
}

func autoAccept() peerOption {
	return func(_ *Config, p *testPeer) {
		p.rec.onIncoming = func(cs domain.CallSession) {
			go func() {
				c, err := p.svc.Call(cs.ID)
				if err == nil {
					_ = p.svc.Accept(context.Background(), c)
				}
			}()
		}
	}
}

func autoDecline() peerOption {
	return func(_ *Config, p *testPeer) {
		p.rec.onIncoming = func(cs domain.CallSession) {
			go func() {
				c, err := p.svc.Call(cs.ID)
				if err == nil {
					_ = p.svc.Decline(context.Background(), c)
				}
			}()
		}
	}
}

func withConfig(fn func(*Config)) peerOption {
	return func(cfg *Config, _ *testPeer) { fn(cfg) }
}

func withCandidates(n int) peerOption {
	return func(_ *Config, p *testPeer) { p.factory.candidates = n }
}

func withChannelDelay(d time.Duration) peerOption {
	return func(_ *Config, p *testPeer) { p.factory.delay = d }
}

func withMedia(channels port.MediaChannelFactory, capture port.MediaCapture) peerOption {
	return func(_ *Config, p *testPeer) { p.channels, p.media = channels, capture }
}

// ringing waits for the next incoming call.
func (p *testPeer) ringing(t *testing.T) domain.CallSession {
	t.Helper()
	select {
	case cs := <-p.rec.incoming:
		return cs
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: no incoming call", p.id)
		return domain.CallSession{}
	}
}

// incoming waits for the next ringing call and returns its handle.
func (p *testPeer) incoming(t *testing.T) *Call {
	t.Helper()
	cs := p.ringing(t)
	c, err := p.svc.Call(cs.ID)
	if err != nil {
		t.Fatalf("%s: incoming call %s: %v", p.id, cs.ID, err)
	}
	return c
}

// noRing fails if a call rings within a short grace period.
func (p *testPeer) noRing(t *testing.T, why string) {
	t.Helper()
	select {
	case cs := <-p.rec.incoming:
		t.Fatalf("%s: %s rang as %s", p.id, why, cs.ID)
	case <-time.After(30 * time.Millisecond):
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Call, want domain.State) {
	t.Helper()
	waitUntil(t, fmt.Sprintf("state %s", want), func() bool {
		return c.Snapshot().State == want
	})
}
