package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
)

type event any

type request struct {
	reply chan error
}

func newRequest() request {
	return request{reply: make(chan error, 1)}
}

func (r request) respond(err error) {
	r.reply <- err
}

type (
	startEvent struct{}
	ringEvent  struct{}

	acceptEvent  struct{ request }
	declineEvent struct{ request }
	hangupEvent  struct {
		request
		reason domain.Reason
		notify bool
	}
	setMediaEvent struct {
		request
		kind    domain.MediaKind
		enabled bool
	}

	remoteOfferEvent struct {
		env   domain.Envelope
		offer domain.Description
		seq   int
	}
	remoteAnswerEvent struct {
		env      domain.Envelope
		answer   domain.Description
		seq      int
		rollback int
	}
	remoteCandidateEvent struct {
		env       domain.Envelope
		candidate domain.Candidate
	}
	remoteDeclinedEvent struct{ env domain.Envelope }
	remoteEndedEvent    struct {
		env    domain.Envelope
		reason string
	}

	mediaAcquiredEvent struct {
		kinds  []domain.MediaKind
		tracks *port.TrackSet
		err    error
	}
	descriptionEvent struct {
		round int
		desc  domain.Description
		err   error
	}
	timeoutEvent struct {
		timer timerKind
		gen   int
	}

	// Channel events carry their source so a replaced channel goes quiet.
	localCandidateEvent struct {
		ch        port.MediaChannel
		candidate domain.Candidate
	}
	remoteTrackEvent struct {
		ch    port.MediaChannel
		track port.RemoteTrack
	}
	renegotiationEvent struct{ ch port.MediaChannel }
	channelFailedEvent struct {
		ch  port.MediaChannel
		err error
	}
)

// mailbox is an unbounded inbox. post never blocks so transport and media
// callbacks can hand events over from any goroutine.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(e event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}

type timerKind int

const (
	timerRing timerKind = iota
	timerNegotiation
	timerMedia
)

type step int

const (
	stepNone step = iota
	stepOffer
	stepAnswer
)

// Call is a handle on one call session. Everything below the mutex is owned
// by the session worker goroutine.
type Call struct {
	svc    *CallService
	log    zerolog.Logger
	box    *mailbox
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once

	mu   sync.RWMutex
	snap domain.CallSession

	session           *domain.CallSession
	channel           port.MediaChannel
	buffer            *CandidateBuffer
	guard             *ResourceGuard
	remoteSession     domain.SessionID
	pendingOffer      *remoteOfferEvent
	deferredOffer     *remoteOfferEvent
	heldOffer         *domain.Description
	offerSeq          int
	outstanding       int
	rolledBack        int
	remoteSeq         int
	remoteRolledBack  int
	makingOffer       bool
	makingAnswer      bool
	needRenegotiation bool
	pendingStep       step
	acquiring         map[domain.MediaKind]bool
	local             map[domain.MediaKind]port.LocalTrack
	muted             map[domain.MediaKind]bool
	timers            map[timerKind]Timer
	timerGen          map[timerKind]int
	finished          bool
}

func (c *Call) ID() domain.SessionID {
	return c.Snapshot().ID
}

func (c *Call) Snapshot() domain.CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Done is closed once the session reached a terminal state.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err reports the terminal outcome. It is nil while the call is live and
// after a normal hangup.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.Snapshot().Reason.Err()
	default:
		return nil
	}
}

func (c *Call) post(e event) bool {
	if !c.box.post(e) {
		c.log.Debug().Str("event", fmt.Sprintf("%T", e)).Msg("Session closed, event discarded")
		return false
	}
	return true
}

func (c *Call) request(ctx context.Context, e event, r request) error {
	if !c.box.post(e) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-r.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin starts the worker of a tracked session. The first event was queued
// by newCall, ahead of anything routed to the session since.
func (c *Call) begin(initial domain.State) {
	c.transition(initial)
	go c.run()
}

func (c *Call) run() {
	defer c.svc.wg.Done()
	for range c.box.wake {
		for _, e := range c.box.take() {
			if c.finished {
				c.discard(e)
				continue
			}
			c.handle(e)
		}
		if c.finished {
			for _, e := range c.box.close() {
				c.discard(e)
			}
			return
		}
	}
}

func (c *Call) discard(e event) {
	switch e := e.(type) {
	case hangupEvent:
		e.respond(nil)
	case interface{ respond(error) }:
		e.respond(domain.ErrSessionClosed)
	case mediaAcquiredEvent:
		c.guard.Attach(e.tracks)
	}
}

func (c *Call) handle(e event) {
	switch e := e.(type) {
	case startEvent:
		if !c.open() {
			return
		}
		c.arm(timerRing, c.svc.cfg.RingTimeout)
		c.acquire(c.session.Media, stepOffer)
	case ringEvent:
		if !c.open() {
			return
		}
		c.arm(timerRing, c.svc.cfg.RingTimeout)
		c.svc.observer.OnIncomingCall(c.Snapshot())
	case acceptEvent:
		e.respond(c.accept())
	case declineEvent:
		if c.session.State != domain.StateRinging {
			e.respond(fmt.Errorf("decline in %s: %w", c.session.State, domain.ErrInvalidTransition))
			return
		}
		c.terminate(domain.ReasonDeclined, true)
		e.respond(nil)
	case hangupEvent:
		c.terminate(e.reason, e.notify)
		e.respond(nil)
	case setMediaEvent:
		e.respond(c.setMedia(e.kind, e.enabled))
	case remoteOfferEvent:
		c.onRemoteOffer(e)
	case remoteAnswerEvent:
		c.onRemoteAnswer(e)
	case remoteCandidateEvent:
		if !c.accepts(e.env) {
			return
		}
		applied, err := c.buffer.ApplyOrBuffer(e.candidate, c.session.RemoteDescription != nil, c.channel)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to apply remote candidate")
		}
		c.log.Trace().Bool("applied", applied).Msg("Remote candidate")
	case remoteDeclinedEvent:
		if !c.accepts(e.env) {
			return
		}
		if c.session.State != domain.StateCalling {
			c.log.Debug().Stringer("state", c.session.State).Msg("Late decline discarded")
			return
		}
		c.terminate(domain.ReasonDeclined, false)
	case remoteEndedEvent:
		if !c.accepts(e.env) {
			return
		}
		c.terminate(domain.RemoteReason(e.reason), false)
	case mediaAcquiredEvent:
		c.onMediaAcquired(e)
	case descriptionEvent:
		c.onDescription(e)
	case timeoutEvent:
		c.onTimeout(e)
	case localCandidateEvent:
		if c.current(e.ch) {
			c.send(domain.EventICECandidate, domain.CandidatePayload{Envelope: c.envelope(), Candidate: e.candidate})
		}
	case remoteTrackEvent:
		if c.current(e.ch) {
			c.svc.observer.OnRemoteTrack(c.session.ID, e.track)
		}
	case renegotiationEvent:
		if c.current(e.ch) {
			c.maybeRenegotiate()
		}
	case channelFailedEvent:
		if c.current(e.ch) {
			c.log.Warn().Err(e.err).Msg("Media connection failed")
			c.terminate(domain.ReasonMediaFailed, true)
		}
	default:
		c.log.Error().Str("event", fmt.Sprintf("%T", e)).Msg("Unhandled session event")
	}
}

// open gives the session its first media channel.
func (c *Call) open() bool {
	ch, err := c.svc.channels.NewChannel(c.ctx, c.session.ID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to open media channel")
		c.terminate(domain.ReasonNegotiationFailed, c.remoteSession != "")
		return false
	}
	c.attach(ch)
	return true
}

func (c *Call) attach(ch port.MediaChannel) {
	c.channel = ch
	c.guard.Use(ch)
	ch.OnICECandidate(func(cand domain.Candidate) { c.post(localCandidateEvent{ch: ch, candidate: cand}) })
	ch.OnRemoteTrack(func(t port.RemoteTrack) { c.post(remoteTrackEvent{ch: ch, track: t}) })
	ch.OnRenegotiationNeeded(func() { c.post(renegotiationEvent{ch: ch}) })
	ch.OnFailed(func(err error) { c.post(channelFailedEvent{ch: ch, err: err}) })
}

func (c *Call) current(ch port.MediaChannel) bool {
	if ch != c.channel {
		c.log.Trace().Msg("Event from replaced media channel discarded")
		return false
	}
	return true
}

// replaceChannel swaps in a fresh channel in stable state and moves the local
// tracks over to it.
func (c *Call) replaceChannel() error {
	ch, err := c.svc.channels.NewChannel(c.ctx, c.session.ID)
	if err != nil {
		return fmt.Errorf("open media channel: %w", err)
	}
	old := c.channel
	c.attach(ch)
	if err := old.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Failed to close replaced media channel")
	}
	for kind, t := range c.local {
		if err := ch.AddLocalTrack(t); err != nil {
			c.log.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to move local track")
			delete(c.local, kind)
			continue
		}
		if c.muted[kind] {
			if err := ch.SetTrackEnabled(kind, false); err != nil {
				c.log.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to keep track muted")
			}
		}
	}
	c.log.Debug().Int("tracks", len(c.local)).Msg("Media channel replaced")
	return nil
}

func (c *Call) publish() {
	snap := c.session.Snapshot()
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

func (c *Call) transition(to domain.State) bool {
	from := c.session.State
	if err := c.session.Transition(to, c.svc.clock.Now()); err != nil {
		c.log.Warn().Err(err).Msg("Transition rejected")
		return false
	}
	c.publish()
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("Call state changed")
	c.svc.observer.OnStateChanged(c.Snapshot())
	return true
}

func (c *Call) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Call) envelope() domain.Envelope {
	return domain.Envelope{
		From:        c.session.LocalPeer,
		Session:     c.session.ID,
		PeerSession: c.remoteSession,
	}
}

// accepts filters events that belong to another session of the same pair.
func (c *Call) accepts(env domain.Envelope) bool {
	if env.PeerSession != "" && env.PeerSession != c.session.ID {
		c.log.Debug().Str("peer_session", string(env.PeerSession)).Msg("Event for another session discarded")
		return false
	}
	if c.remoteSession != "" && env.Session != "" && env.Session != c.remoteSession {
		c.log.Debug().Str("remote_session", string(env.Session)).Msg("Event from stale remote session discarded")
		return false
	}
	return true
}

func (c *Call) learnRemote(env domain.Envelope) {
	if c.remoteSession == "" && env.Session != "" {
		c.remoteSession = env.Session
	}
}

func (c *Call) send(evt domain.EventType, p interface{ Validate() error }) {
	data, err := domain.Encode(p)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(evt)).Msg("Failed to encode signal")
		return
	}
	if err := c.svc.send(c.session.RemotePeer, evt, data); err != nil {
		c.log.Warn().Err(err).Str("event", string(evt)).Msg("Signal not sent")
	}
}

func (c *Call) arm(kind timerKind, d time.Duration) {
	c.stop(kind)
	if d <= 0 {
		return
	}
	gen := c.timerGen[kind]
	c.timers[kind] = c.svc.clock.AfterFunc(d, func() {
		c.box.post(timeoutEvent{timer: kind, gen: gen})
	})
}

func (c *Call) stop(kind timerKind) {
	if t, ok := c.timers[kind]; ok {
		t.Stop()
		delete(c.timers, kind)
	}
	c.timerGen[kind]++
}

func (c *Call) stopTimers() {
	for _, kind := range []timerKind{timerRing, timerNegotiation, timerMedia} {
		c.stop(kind)
	}
}

func (c *Call) onTimeout(e timeoutEvent) {
	if e.gen != c.timerGen[e.timer] {
		return
	}
	delete(c.timers, e.timer)

	switch e.timer {
	case timerRing:
		if c.session.State == domain.StateCalling || c.session.State == domain.StateRinging {
			c.log.Info().Msg("No answer")
			c.terminate(domain.ReasonNoAnswer, true)
		}
	case timerNegotiation:
		if c.session.State == domain.StateNegotiating {
			c.log.Warn().Msg("Negotiation timed out")
			c.terminate(domain.ReasonNegotiationTimeout, true)
		}
	case timerMedia:
		if c.pendingStep != stepNone {
			c.log.Warn().Msg("Local media late, negotiating without it")
			c.runStep(c.pendingStep)
		}
	}
}

// acquire starts capture for the kinds not yet attached or in flight, then
// runs next once no acquisition is outstanding or MediaWait has passed.
func (c *Call) acquire(kinds []domain.MediaKind, next step) {
	var want []domain.MediaKind
	for _, k := range kinds {
		if c.local[k] == nil && !c.acquiring[k] {
			want = append(want, k)
		}
	}
	if len(want) > 0 && c.svc.capture != nil {
		for _, k := range want {
			c.acquiring[k] = true
		}
		ctx := c.ctx
		go func() {
			ts, err := c.svc.capture.Acquire(ctx, want...)
			if !c.box.post(mediaAcquiredEvent{kinds: want, tracks: ts, err: err}) && ts != nil {
				c.guard.Attach(ts)
			}
		}()
	}

	if next == stepNone {
		return
	}
	if len(c.acquiring) == 0 {
		c.runStep(next)
		return
	}
	c.pendingStep = next
	c.arm(timerMedia, c.svc.cfg.MediaWait)
}

func (c *Call) runStep(s step) {
	c.pendingStep = stepNone
	c.stop(timerMedia)

	switch s {
	case stepOffer:
		if c.session.State == domain.StateCalling && !c.makingOffer && c.session.LocalDescription == nil {
			c.startOffer()
		}
	case stepAnswer:
		if c.session.State == domain.StateNegotiating && !c.makingAnswer {
			c.startAnswer()
		}
	}
}

func (c *Call) onMediaAcquired(e mediaAcquiredEvent) {
	for _, k := range e.kinds {
		delete(c.acquiring, k)
	}
	switch {
	case e.err != nil:
		c.log.Warn().Err(e.err).Msg("Local media unavailable, continuing without it")
	case c.guard.Attach(e.tracks):
		for _, t := range e.tracks.Tracks {
			if err := c.channel.AddLocalTrack(t); err != nil {
				c.log.Warn().Err(err).Str("kind", string(t.Kind())).Msg("Failed to add local track")
				continue
			}
			c.local[t.Kind()] = t
			delete(c.muted, t.Kind())
		}
		// Tracks added mid-round miss the descriptions in flight.
		if c.session.LocalDescription != nil && (c.session.State != domain.StateInCall || c.makingOffer || c.makingAnswer) {
			c.needRenegotiation = true
		}
	}

	if c.pendingStep != stepNone && len(c.acquiring) == 0 {
		c.runStep(c.pendingStep)
	}
}

func (c *Call) setMedia(kind domain.MediaKind, enabled bool) error {
	if c.local[kind] != nil {
		if err := c.channel.SetTrackEnabled(kind, enabled); err != nil {
			return fmt.Errorf("set %s enabled=%t: %w", kind, enabled, err)
		}
		c.muted[kind] = !enabled
		c.log.Info().Str("kind", string(kind)).Bool("enabled", enabled).Msg("Local media toggled")
		return nil
	}
	if !enabled {
		return nil
	}
	if !c.session.HasMedia(kind) {
		c.session.Media = append(c.session.Media, kind)
		c.publish()
	}
	c.acquire([]domain.MediaKind{kind}, stepNone)
	return nil
}

func (c *Call) startOffer() {
	c.makingOffer = true
	c.session.Round++
	round := c.session.Round
	opts := port.OfferOptions{Receive: append([]domain.MediaKind(nil), c.session.Media...)}
	ctx := c.ctx
	go func() {
		desc, err := c.channel.CreateOffer(ctx, opts)
		c.box.post(descriptionEvent{round: round, desc: desc, err: err})
	}()
}

func (c *Call) startAnswer() {
	c.makingAnswer = true
	c.session.Round++
	round := c.session.Round
	ctx := c.ctx
	go func() {
		desc, err := c.channel.CreateAnswer(ctx)
		c.box.post(descriptionEvent{round: round, desc: desc, err: err})
	}()
}

func (c *Call) onDescription(e descriptionEvent) {
	if e.round != c.session.Round {
		c.log.Debug().Int("round", e.round).Int("current", c.session.Round).Msg("Stale description discarded")
		return
	}
	if e.err != nil {
		c.log.Warn().Err(e.err).Msg("Failed to create description")
		c.terminate(domain.ReasonNegotiationFailed, true)
		return
	}
	desc := e.desc
	if desc.Type == domain.SDPTypeOffer && c.holdsOffers() {
		c.heldOffer = &desc
	} else if !c.apply(desc) {
		return
	}

	switch desc.Type {
	case domain.SDPTypeOffer:
		c.offerSeq++
		c.outstanding = c.offerSeq
		c.send(domain.EventCallOffer, domain.OfferPayload{
			Envelope: c.envelope(),
			Offer:    desc,
			Media:    c.session.Media,
			Seq:      c.offerSeq,
		})
		if c.session.State == domain.StateInCall {
			c.transition(domain.StateNegotiating)
			c.arm(timerNegotiation, c.svc.cfg.NegotiationTimeout)
		}
		c.markReady()
	case domain.SDPTypeAnswer:
		c.makingAnswer = false
		c.send(domain.EventCallAnswer, domain.AnswerPayload{
			Envelope: c.envelope(),
			Answer:   desc,
			Seq:      c.remoteSeq,
			Rollback: c.rolledBack,
		})
		c.rolledBack = 0
		c.stop(timerNegotiation)
		c.transition(domain.StateInCall)
		c.afterStable()
	}
}

func (c *Call) apply(desc domain.Description) bool {
	if err := c.channel.SetLocalDescription(desc); err != nil {
		c.log.Warn().Err(err).Str("type", string(desc.Type)).Msg("Failed to set local description")
		c.terminate(domain.ReasonNegotiationFailed, true)
		return false
	}
	c.session.LocalDescription = &desc
	c.publish()
	return true
}

// holdsOffers reports whether local offers stay off the channel until they
// are answered. Only the Polite side drops offers it sent, and the channel
// cannot take back one it already applied.
func (c *Call) holdsOffers() bool {
	return c.session.Role == domain.Polite && c.session.Established
}

// dropOffer abandons the local offer in flight. The next answer names it so
// the remote side discards any copy it set aside.
func (c *Call) dropOffer() {
	if c.outstanding != 0 {
		c.rolledBack = c.outstanding
		c.outstanding = 0
	}
	c.heldOffer = nil
	c.makingOffer = false
}

func (c *Call) onRemoteAnswer(e remoteAnswerEvent) {
	if !c.accepts(e.env) {
		return
	}
	if c.outstanding == 0 {
		c.log.Debug().Stringer("state", c.session.State).Msg("Unexpected answer discarded")
		return
	}
	if e.seq != 0 && e.seq != c.outstanding {
		c.log.Debug().Int("seq", e.seq).Int("current", c.outstanding).Msg("Answer to an older offer discarded")
		return
	}
	if held := c.heldOffer; held != nil {
		c.heldOffer = nil
		if !c.apply(*held) {
			return
		}
	}
	answer := e.answer
	if err := c.channel.SetRemoteDescription(answer); err != nil {
		c.log.Warn().Err(err).Msg("Failed to apply answer")
		c.terminate(domain.ReasonNegotiationFailed, true)
		return
	}
	c.session.RemoteDescription = &answer
	c.makingOffer = false
	c.outstanding = 0
	c.remoteRolledBack = max(c.remoteRolledBack, e.rollback)
	c.learnRemote(e.env)
	c.drain()

	c.stop(timerRing)
	c.stop(timerNegotiation)
	c.transition(domain.StateInCall)

	// An offer we ignored while ours was pending is still owed an answer
	// unless the remote peer dropped it.
	if d := c.deferredOffer; d != nil {
		c.deferredOffer = nil
		c.onRemoteOffer(*d)
	}
	c.afterStable()
}

func (c *Call) staleOffer(e remoteOfferEvent) bool {
	return e.seq != 0 && (e.seq <= c.remoteSeq || e.seq <= c.remoteRolledBack)
}

func (c *Call) deferOffer(e remoteOfferEvent) {
	if c.deferredOffer == nil || e.seq >= c.deferredOffer.seq {
		c.deferredOffer = &e
	}
}

func (c *Call) onRemoteOffer(e remoteOfferEvent) {
	if !c.accepts(e.env) {
		return
	}
	if c.staleOffer(e) {
		c.log.Debug().Int("seq", e.seq).Msg("Stale offer discarded")
		return
	}
	offer := e.offer

	switch c.session.State {
	case domain.StateRinging:
		if c.pendingOffer != nil && c.pendingOffer.offer.Equal(&offer) {
			c.log.Debug().Msg("Duplicate offer discarded")
			return
		}
		c.pendingOffer = &e
		c.learnRemote(e.env)
	case domain.StateCalling:
		if c.session.Role == domain.Impolite {
			c.log.Info().Msg("Glare: keeping own offer, ignoring remote offer")
			c.deferOffer(e)
			return
		}
		c.yield(e)
	case domain.StateNegotiating, domain.StateInCall:
		if c.session.RemoteDescription.Equal(&offer) {
			c.log.Debug().Msg("Duplicate offer discarded")
			return
		}
		if !c.session.Established {
			c.log.Debug().Msg("Offer during first negotiation discarded")
			return
		}
		c.renegotiateFromRemote(e)
	default:
		c.log.Debug().Stringer("state", c.session.State).Msg("Offer discarded")
	}
}

// yield gives up our outgoing offer and answers the remote one.
func (c *Call) yield(e remoteOfferEvent) {
	c.log.Info().Msg("Glare: yielding to remote offer")
	c.learnRemote(e.env)
	if c.session.LocalDescription != nil {
		// The channel holds our offer; answer on a fresh one.
		if err := c.replaceChannel(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to replace media channel")
			c.terminate(domain.ReasonNegotiationFailed, true)
			return
		}
	}
	c.dropOffer()
	c.session.LocalDescription = nil
	c.pendingStep = stepNone
	c.session.Round++
	c.buffer.Reset()
	c.session.Direction = domain.Incoming
	c.pendingOffer = &e
	c.transition(domain.StateRinging)
	c.markReady()

	if err := c.accept(); err != nil {
		c.log.Warn().Err(err).Msg("Glare: auto-accept failed")
	}
}

func (c *Call) renegotiateFromRemote(e remoteOfferEvent) {
	if c.makingOffer {
		if c.session.Role == domain.Impolite {
			c.log.Info().Msg("Renegotiation collision: ignoring remote offer")
			c.deferOffer(e)
			return
		}
		c.log.Info().Msg("Renegotiation collision: dropping own offer")
		c.dropOffer()
		c.needRenegotiation = true
	}
	c.session.Round++
	c.makingAnswer = false

	offer := e.offer
	if err := c.channel.SetRemoteDescription(offer); err != nil {
		c.log.Warn().Err(err).Msg("Failed to apply remote offer")
		c.terminate(domain.ReasonNegotiationFailed, true)
		return
	}
	c.session.RemoteDescription = &offer
	c.remoteSeq = max(c.remoteSeq, e.seq)
	c.learnRemote(e.env)
	c.drain()
	if c.session.State == domain.StateInCall {
		c.transition(domain.StateNegotiating)
		c.arm(timerNegotiation, c.svc.cfg.NegotiationTimeout)
	}
	c.startAnswer()
}

func (c *Call) accept() error {
	if c.session.State != domain.StateRinging || c.pendingOffer == nil {
		return fmt.Errorf("accept in %s: %w", c.session.State, domain.ErrInvalidTransition)
	}
	c.stop(timerRing)
	c.transition(domain.StateNegotiating)
	c.arm(timerNegotiation, c.svc.cfg.NegotiationTimeout)

	pending := c.pendingOffer
	c.pendingOffer = nil
	offer := pending.offer
	if err := c.channel.SetRemoteDescription(offer); err != nil {
		c.terminate(domain.ReasonNegotiationFailed, true)
		return fmt.Errorf("apply offer: %w: %w", domain.ErrNegotiationFailed, err)
	}
	c.session.RemoteDescription = &offer
	c.remoteSeq = max(c.remoteSeq, pending.seq)
	c.session.Round++
	c.publish()
	c.drain()
	c.acquire(c.session.Media, stepAnswer)
	return nil
}

func (c *Call) drain() {
	n, err := c.buffer.DrainInto(c.channel)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to apply buffered candidates")
	}
	if n > 0 {
		c.log.Debug().Int("count", n).Msg("Buffered candidates applied")
	}
}

func (c *Call) afterStable() {
	if c.needRenegotiation {
		c.needRenegotiation = false
		c.maybeRenegotiate()
	}
}

func (c *Call) maybeRenegotiate() {
	if !c.session.Established {
		return
	}
	if c.session.State != domain.StateInCall || c.makingOffer || c.makingAnswer {
		c.needRenegotiation = true
		return
	}
	c.log.Debug().Msg("Renegotiating")
	c.startOffer()
}

// terminate runs every exit path: Ending, best-effort notify, teardown, terminal.
func (c *Call) terminate(reason domain.Reason, notify bool) {
	if c.finished {
		return
	}
	if reason == domain.ReasonNone {
		reason = domain.ReasonHangup
	}
	c.session.Reason = reason
	c.transition(domain.StateEnding)
	c.stopTimers()
	c.session.Round++
	c.pendingStep = stepNone
	// Buried before the registry entry goes so a redelivered offer finds the
	// tombstone rather than a free pair.
	if c.remoteSession != "" {
		c.svc.bury(c.session.RemotePeer, c.remoteSession)
	}

	if notify {
		if reason == domain.ReasonDeclined {
			c.send(domain.EventCallDeclined, domain.DeclinedPayload{Envelope: c.envelope()})
		} else {
			c.send(domain.EventCallEnded, domain.EndedPayload{Envelope: c.envelope(), Reason: string(reason)})
		}
	}
	if err := c.guard.Teardown(); err != nil {
		c.log.Warn().Err(err).Msg("Teardown incomplete")
	}
	c.cancel()

	c.transition(reason.Terminal())
	c.finished = true
	c.svc.forget(c)
	close(c.done)
	c.markReady()
	c.log.Info().Str("reason", string(reason)).Stringer("state", c.session.State).Msg("Call finished")
}
