package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const maxOrphanCandidates = 64

type Config struct {
	LocalPeer domain.PeerID
	// Media is requested when a call does not name its own kinds.
	Media              []domain.MediaKind
	RingTimeout        time.Duration
	NegotiationTimeout time.Duration
	// MediaWait bounds how long an offer or answer waits for local capture.
	MediaWait       time.Duration
	PresenceTimeout time.Duration
	SendTimeout     time.Duration
	Clock           Clock
}

func (c *Config) setDefaults() {
	if len(c.Media) == 0 {
		c.Media = []domain.MediaKind{domain.MediaAudio}
	}
	if c.RingTimeout == 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = 15 * time.Second
	}
	if c.MediaWait == 0 {
		c.MediaWait = 2 * time.Second
	}
	if c.PresenceTimeout == 0 {
		c.PresenceTimeout = 500 * time.Millisecond
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
}

type Dependencies struct {
	Registry  port.CallRegistry
	Transport port.SignalingTransport
	Channels  port.MediaChannelFactory
	Capture   port.MediaCapture
	Presence  port.Presence
	Observer  port.CallObserver
}

type orphanCandidate struct {
	session   domain.SessionID
	candidate domain.Candidate
	expires   time.Time
}

type tombstone struct {
	peer    domain.PeerID
	session domain.SessionID
}

// CallService coordinates every call session of the local peer.
type CallService struct {
	cfg       Config
	clock     Clock
	registry  port.CallRegistry
	transport port.SignalingTransport
	channels  port.MediaChannelFactory
	capture   port.MediaCapture
	presence  port.Presence
	observer  port.CallObserver

	mu    sync.Mutex
	calls map[domain.SessionID]*Call
	// early holds offers for sessions reserved but not yet tracked.
	early      map[domain.SessionID][]remoteOfferEvent
	orphans    map[domain.PeerID][]orphanCandidate
	tombstones map[tombstone]time.Time
	closed     bool

	unsubscribe func()
	wg          sync.WaitGroup
}

func NewCallService(cfg Config, deps Dependencies) *CallService {
	cfg.setDefaults()
	s := &CallService{
		cfg:        cfg,
		clock:      cfg.Clock,
		registry:   deps.Registry,
		transport:  deps.Transport,
		channels:   deps.Channels,
		capture:    deps.Capture,
		presence:   deps.Presence,
		observer:   deps.Observer,
		calls:      make(map[domain.SessionID]*Call),
		early:      make(map[domain.SessionID][]remoteOfferEvent),
		orphans:    make(map[domain.PeerID][]orphanCandidate),
		tombstones: make(map[tombstone]time.Time),
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	s.unsubscribe = s.transport.Subscribe(s.dispatch)
	return s
}

// Initiate calls remote. It returns once the offer went out, or with the
// session's error if it ended first. Cancelling ctx before then hangs up.
func (s *CallService) Initiate(ctx context.Context, remote domain.PeerID, media ...domain.MediaKind) (*Call, error) {
	if remote == "" || remote == s.cfg.LocalPeer {
		return nil, fmt.Errorf("initiate call to %q: %w", remote, domain.ErrInvalidPeer)
	}
	if s.isClosed() {
		return nil, fmt.Errorf("initiate call to %s: %w", remote, domain.ErrSessionClosed)
	}
	if len(media) == 0 {
		media = s.cfg.Media
	}
	if err := s.checkReachable(ctx, remote); err != nil {
		return nil, err
	}

	res, err := s.registry.Reserve(s.cfg.LocalPeer, remote, domain.Outgoing)
	if err != nil {
		return nil, fmt.Errorf("initiate call to %s: %w", remote, err)
	}
	c := s.newCall(res.ID, remote, domain.Outgoing, media, startEvent{})
	if err := s.track(c); err != nil {
		s.abandon(c)
		return nil, fmt.Errorf("initiate call to %s: %w", remote, err)
	}
	c.log.Info().Strs("media", kindStrings(media)).Msg("Calling")
	c.begin(domain.StateCalling)

	select {
	case <-c.ready:
	case <-ctx.Done():
		_ = s.Hangup(context.Background(), c, domain.ReasonHangup)
		return nil, ctx.Err()
	}
	if err := c.Err(); err != nil {
		return c, err
	}
	return c, nil
}

func (s *CallService) checkReachable(ctx context.Context, remote domain.PeerID) error {
	if s.presence == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PresenceTimeout)
	defer cancel()

	ok, err := s.presence.IsReachable(ctx, remote)
	if err != nil {
		log.Debug().Err(err).Str("peer", string(remote)).Msg("Presence unknown, calling anyway")
		return nil
	}
	if !ok {
		return fmt.Errorf("initiate call to %s: %w", remote, domain.ErrPeerUnreachable)
	}
	return nil
}

// HandleInboundOffer routes a call-offer to the pair's session or opens a
// new ringing session for it.
func (s *CallService) HandleInboundOffer(from domain.PeerID, p domain.OfferPayload) {
	l := log.With().Str("peer", string(from)).Str("remote_session", string(p.Session)).Logger()
	if s.tombstoned(from, p.Session) {
		l.Debug().Msg("Offer for a finished call discarded")
		return
	}
	ev := remoteOfferEvent{env: p.Envelope, offer: p.Offer, seq: p.Seq}
	if c := s.callFor(from); c != nil {
		s.route(c, from, ev)
		return
	}

	res, err := s.registry.Reserve(s.cfg.LocalPeer, from, domain.Incoming)
	switch {
	case err == nil && res.Preempted:
		l.Debug().Msg("Glare: inbound offer took over outgoing session")
		s.deliver(res.ID, from, ev)
		return
	case errors.Is(err, domain.ErrTooManyCalls):
		l.Info().Msg("At capacity, rejecting call")
		s.reject(from, p.Session, domain.ReasonBusy)
		return
	case errors.Is(err, domain.ErrPeerBusy):
		s.deliver(res.ID, from, ev)
		return
	case err != nil:
		l.Error().Err(err).Msg("Failed to reserve session")
		return
	}

	media := p.Media
	if len(media) == 0 {
		media = s.cfg.Media
	}
	c := s.newCall(res.ID, from, domain.Incoming, media, ringEvent{})
	c.pendingOffer = &ev
	c.remoteSession = p.Session
	for _, cand := range s.takeOrphans(from, p.Session) {
		_ = c.buffer.Enqueue(cand)
	}
	switch err := s.track(c); {
	case errors.Is(err, domain.ErrSessionClosed):
		s.abandon(c)
		l.Info().Msg("Shutting down, rejecting call")
		s.reject(from, p.Session, domain.ReasonShutdown)
		return
	case err != nil:
		s.abandon(c)
		l.Debug().Err(err).Msg("Offer for a finished call discarded")
		return
	}
	c.log.Info().Msg("Incoming call")
	c.begin(domain.StateRinging)
}

// deliver hands ev to the session holding id. A session that was reserved
// but is not tracked yet receives it from track.
func (s *CallService) deliver(id domain.SessionID, from domain.PeerID, ev remoteOfferEvent) {
	s.mu.Lock()
	c := s.calls[id]
	if c == nil {
		s.early[id] = append(s.early[id], ev)
	}
	s.mu.Unlock()
	if c != nil {
		s.route(c, from, ev)
	}
}

// route hands an offer to an existing session, preceded by any candidates
// that arrived for it first.
func (s *CallService) route(c *Call, from domain.PeerID, ev remoteOfferEvent) {
	for _, cand := range s.takeOrphans(from, ev.env.Session) {
		c.post(remoteCandidateEvent{env: domain.Envelope{From: from, Session: ev.env.Session}, candidate: cand})
	}
	c.post(ev)
}

func (s *CallService) HandleAnswer(c *Call, p domain.AnswerPayload) {
	c.post(remoteAnswerEvent{env: p.Envelope, answer: p.Answer, seq: p.Seq, rollback: p.Rollback})
}

func (s *CallService) HandleRemoteCandidate(c *Call, p domain.CandidatePayload) {
	c.post(remoteCandidateEvent{env: p.Envelope, candidate: p.Candidate})
}

func (s *CallService) Accept(ctx context.Context, c *Call) error {
	r := newRequest()
	if err := c.request(ctx, acceptEvent{r}, r); err != nil {
		return fmt.Errorf("accept call %s: %w", c.ID(), err)
	}
	return nil
}

func (s *CallService) Decline(ctx context.Context, c *Call) error {
	r := newRequest()
	if err := c.request(ctx, declineEvent{r}, r); err != nil {
		return fmt.Errorf("decline call %s: %w", c.ID(), err)
	}
	return nil
}

// Hangup ends the call and notifies the remote peer. Hanging up a finished
// call is a no-op.
func (s *CallService) Hangup(ctx context.Context, c *Call, reason domain.Reason) error {
	if reason == domain.ReasonNone {
		reason = domain.ReasonHangup
	}
	r := newRequest()
	err := c.request(ctx, hangupEvent{request: r, reason: reason, notify: true}, r)
	if err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		return fmt.Errorf("hang up call %s: %w", c.ID(), err)
	}
	return nil
}

// SetMedia mutes or unmutes a local kind. Enabling a kind the call has no
// track for captures it and renegotiates.
func (s *CallService) SetMedia(ctx context.Context, c *Call, kind domain.MediaKind, enabled bool) error {
	r := newRequest()
	if err := c.request(ctx, setMediaEvent{request: r, kind: kind, enabled: enabled}, r); err != nil {
		return fmt.Errorf("set media on call %s: %w", c.ID(), err)
	}
	return nil
}

// HandleTransportLost fails every session that has not reached InCall.
// Established calls keep their media path.
func (s *CallService) HandleTransportLost() {
	for _, c := range s.snapshotCalls() {
		if c.Snapshot().Established {
			continue
		}
		c.post(hangupEvent{request: newRequest(), reason: domain.ReasonTransportUnavailable})
	}
}

func (s *CallService) Call(id domain.SessionID) (*Call, error) {
	if c := s.call(id); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("call %s: %w", id, domain.ErrSessionNotFound)
}

func (s *CallService) Sessions() []domain.CallSession {
	calls := s.snapshotCalls()
	out := make([]domain.CallSession, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown hangs up every call and waits for the session workers.
func (s *CallService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.unsubscribe()
	for _, c := range s.snapshotCalls() {
		c.post(hangupEvent{request: newRequest(), reason: domain.ReasonShutdown, notify: true})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CallService) dispatch(from domain.PeerID, evt domain.EventType, data []byte) {
	if from == "" || from == s.cfg.LocalPeer {
		return
	}
	switch evt {
	case domain.EventCallOffer:
		p, err := domain.Decode[domain.OfferPayload](data)
		if s.valid(from, evt, p.Envelope, err) {
			s.HandleInboundOffer(from, p)
		}
	case domain.EventCallAnswer:
		p, err := domain.Decode[domain.AnswerPayload](data)
		if !s.valid(from, evt, p.Envelope, err) {
			return
		}
		if c := s.callFor(from); c != nil {
			s.HandleAnswer(c, p)
			return
		}
		log.Debug().Str("peer", string(from)).Msg("Answer without session discarded")
	case domain.EventICECandidate:
		p, err := domain.Decode[domain.CandidatePayload](data)
		if !s.valid(from, evt, p.Envelope, err) {
			return
		}
		if c := s.callFor(from); c != nil {
			s.HandleRemoteCandidate(c, p)
			return
		}
		s.stashOrphan(from, p)
	case domain.EventCallDeclined:
		p, err := domain.Decode[domain.DeclinedPayload](data)
		if !s.valid(from, evt, p.Envelope, err) {
			return
		}
		if c := s.callFor(from); c != nil {
			c.post(remoteDeclinedEvent{env: p.Envelope})
			return
		}
		s.bury(from, p.Session)
		log.Debug().Str("peer", string(from)).Str("remote_session", string(p.Session)).Msg("Call declined before it arrived")
	case domain.EventCallEnded:
		p, err := domain.Decode[domain.EndedPayload](data)
		if !s.valid(from, evt, p.Envelope, err) {
			return
		}
		if c := s.callFor(from); c != nil {
			c.post(remoteEndedEvent{env: p.Envelope, reason: p.Reason})
			return
		}
		s.bury(from, p.Session)
		log.Debug().Str("peer", string(from)).Str("remote_session", string(p.Session)).Msg("Call ended before it arrived")
	default:
		log.Debug().Str("peer", string(from)).Str("event", string(evt)).Msg("Unknown signal ignored")
	}
}

func (s *CallService) valid(from domain.PeerID, evt domain.EventType, env domain.Envelope, err error) bool {
	if err != nil {
		log.Warn().Err(err).Str("peer", string(from)).Str("event", string(evt)).Msg("Malformed signal dropped")
		return false
	}
	if env.From != from {
		log.Warn().Str("peer", string(from)).Str("claimed", string(env.From)).Str("event", string(evt)).Msg("Signal sender mismatch")
		return false
	}
	return true
}

// newCall builds a session shell with first queued in its inbox. The media
// channel is opened by the worker.
func (s *CallService) newCall(id domain.SessionID, remote domain.PeerID, dir domain.Direction, media []domain.MediaKind, first event) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	session := domain.NewCallSession(id, s.cfg.LocalPeer, remote, dir, media, s.clock.Now())
	c := &Call{
		svc:       s,
		log:       log.With().Str("session_id", id.String()).Str("peer", string(remote)).Logger(),
		box:       newMailbox(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		session:   session,
		buffer:    NewCandidateBuffer(),
		acquiring: make(map[domain.MediaKind]bool),
		local:     make(map[domain.MediaKind]port.LocalTrack),
		muted:     make(map[domain.MediaKind]bool),
		timers:    make(map[timerKind]Timer),
		timerGen:  make(map[timerKind]int),
	}
	c.guard = NewResourceGuard(s.capture, nil, func() { s.registry.Release(id) })
	c.publish()
	c.box.post(first)
	return c
}

// abandon undoes newCall for a session that was never tracked.
func (s *CallService) abandon(c *Call) {
	c.cancel()
	c.box.close()
	s.registry.Release(c.session.ID)
}

func (s *CallService) send(to domain.PeerID, evt domain.EventType, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, to, evt, data); err != nil {
		if errors.Is(err, domain.ErrTransportUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// reject answers an offer that never got a session.
func (s *CallService) reject(to domain.PeerID, remoteSession domain.SessionID, reason domain.Reason) {
	data, err := domain.Encode(domain.EndedPayload{
		Envelope: domain.Envelope{
			From:        s.cfg.LocalPeer,
			Session:     domain.NewSessionID(),
			PeerSession: remoteSession,
		},
		Reason: string(reason),
	})
	if err != nil {
		return
	}
	if err := s.send(to, domain.EventCallEnded, data); err != nil {
		log.Warn().Err(err).Str("peer", string(to)).Msg("Failed to reject call")
	}
}

var errBuried = errors.New("remote session already finished")

// track registers c and counts its worker. It refuses once the service is
// shut down, and for an offer whose remote session finished meanwhile. Offers
// delivered early are queued behind the session's first event.
func (s *CallService) track(c *Call) error {
	id := c.session.ID
	s.mu.Lock()
	early := s.early[id]
	delete(s.early, id)
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if c.remoteSession != "" {
		if exp, ok := s.tombstones[tombstone{peer: c.session.RemotePeer, session: c.remoteSession}]; ok && s.clock.Now().Before(exp) {
			s.mu.Unlock()
			return errBuried
		}
	}
	s.calls[id] = c
	s.wg.Add(1)
	for _, ev := range early {
		c.box.post(ev)
	}
	s.mu.Unlock()

	for _, ev := range early {
		for _, cand := range s.takeOrphans(c.session.RemotePeer, ev.env.Session) {
			c.post(remoteCandidateEvent{env: domain.Envelope{From: c.session.RemotePeer, Session: ev.env.Session}, candidate: cand})
		}
	}
	return nil
}

func (s *CallService) forget(c *Call) {
	s.mu.Lock()
	if s.calls[c.session.ID] == c {
		delete(s.calls, c.session.ID)
	}
	s.mu.Unlock()
}

func (s *CallService) call(id domain.SessionID) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *CallService) callFor(peer domain.PeerID) *Call {
	res, ok := s.registry.Lookup(s.cfg.LocalPeer, peer)
	if !ok {
		return nil
	}
	return s.call(res.ID)
}

func (s *CallService) snapshotCalls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]*Call, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, c)
	}
	return calls
}

func (s *CallService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *CallService) stashOrphan(from domain.PeerID, p domain.CandidatePayload) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.tombstones[tombstone{peer: from, session: p.Session}]; dead {
		return
	}
	list := pruneOrphans(s.orphans[from], now)
	list = append(list, orphanCandidate{
		session:   p.Session,
		candidate: p.Candidate,
		expires:   now.Add(s.cfg.RingTimeout),
	})
	if len(list) > maxOrphanCandidates {
		list = list[len(list)-maxOrphanCandidates:]
	}
	s.orphans[from] = list
}

func (s *CallService) takeOrphans(from domain.PeerID, session domain.SessionID) []domain.Candidate {
	now := s.clock.Now()
	s.mu.Lock()
	list := s.orphans[from]
	delete(s.orphans, from)
	s.mu.Unlock()

	var out []domain.Candidate
	for _, o := range pruneOrphans(list, now) {
		if o.session == session {
			out = append(out, o.candidate)
		}
	}
	return out
}

func pruneOrphans(list []orphanCandidate, now time.Time) []orphanCandidate {
	kept := list[:0]
	for _, o := range list {
		if now.Before(o.expires) {
			kept = append(kept, o)
		}
	}
	return kept
}

// bury remembers a finished remote session so its offers and candidates are
// dropped if they show up again.
func (s *CallService) bury(from domain.PeerID, session domain.SessionID) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.tombstones {
		if !now.Before(exp) {
			delete(s.tombstones, k)
		}
	}
	s.tombstones[tombstone{peer: from, session: session}] = now.Add(s.cfg.RingTimeout + s.cfg.NegotiationTimeout)

	kept := s.orphans[from][:0]
	for _, o := range s.orphans[from] {
		if o.session != session {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(s.orphans, from)
	} else {
		s.orphans[from] = kept
	}
}

func (s *CallService) tombstoned(from domain.PeerID, session domain.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tombstones[tombstone{peer: from, session: session}]
	return ok && s.clock.Now().Before(exp)
}

func kindStrings(kinds []domain.MediaKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

type nopObserver struct{}

func (nopObserver) OnIncomingCall(domain.CallSession)                {}
func (nopObserver) OnStateChanged(domain.CallSession)                {}
func (nopObserver) OnRemoteTrack(domain.SessionID, port.RemoteTrack) {}
