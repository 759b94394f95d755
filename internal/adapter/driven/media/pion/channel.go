package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

var ErrConnectionFailed = errors.New("peer connection failed")

// LocalTrack is implemented by capture tracks that can feed a PeerConnection.
type LocalTrack interface {
	port.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

type remoteTrack struct {
	track *webrtc.TrackRemote
	kind  domain.MediaKind
}

func (t remoteTrack) ID() string { return t.track.ID() }
func (t remoteTrack) StreamID() string { return t.track.StreamID() }
func (t remoteTrack) Kind() domain.MediaKind { return t.kind }
func (t remoteTrack) Track() *webrtc.TrackRemote { return t.track }

type sender struct {
	rtp   *webrtc.RTPSender
	track webrtc.TrackLocal
}

// Channel is a port.MediaChannel over a single pion PeerConnection.
type Channel struct {
	session domain.SessionID
	pc      *webrtc.PeerConnection
	log     zerolog.Logger

	mu      sync.Mutex
	senders map[domain.MediaKind]*sender

	closeOnce sync.Once
	done      chan struct{}
}

func newChannel(session domain.SessionID, pc *webrtc.PeerConnection) *Channel {
	return &Channel{
		session: session,
		pc:      pc,
		log:     log.With().Str("session_id", string(session)).Logger(),
		senders: make(map[domain.MediaKind]*sender),
		done:    make(chan struct{}),
	}
}

func (c *Channel) CreateOffer(_ context.Context, opts port.OfferOptions) (domain.Description, error) {
	for _, k := range opts.Receive {
		if c.hasTransceiver(codecType(k)) {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(codecType(k), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return domain.Description{}, fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}

	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return domain.Description{}, err
	}
	return fromPion(offer), nil
}

func (c *Channel) hasTransceiver(kind webrtc.RTPCodecType) bool {
	for _, t := range c.pc.GetTransceivers() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (c *Channel) CreateAnswer(_ context.Context) (domain.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return fromPion(answer), nil
}

func (c *Channel) SetLocalDescription(desc domain.Description) error {
	sd, err := toPion(desc)
	if err != nil {
		return err
	}
	return c.pc.SetLocalDescription(sd)
}

func (c *Channel) SetRemoteDescription(desc domain.Description) error {
	sd, err := toPion(desc)
	if err != nil {
		return err
	}
	kinds, err := MediaKinds(desc.SDP)
	if err != nil {
		return err
	}
	c.log.Debug().Str("type", string(desc.Type)).Interface("media", kinds).Int("sdp_len", len(desc.SDP)).Msg("Setting remote description")
	return c.pc.SetRemoteDescription(sd)
}

func (c *Channel) AddICECandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// AddLocalTrack sends t on the connection. A second track of the same kind
// replaces the first on its existing sender.
func (c *Channel) AddLocalTrack(t port.LocalTrack) error {
	lt, ok := t.(LocalTrack)
	if !ok {
		return fmt.Errorf("track %s cannot be sent over webrtc", t.ID())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.senders[t.Kind()]; ok {
		s.track = lt.TrackLocal()
		return s.rtp.ReplaceTrack(s.track)
	}

	rtp, err := c.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return err
	}
	c.senders[t.Kind()] = &sender{rtp: rtp, track: lt.TrackLocal()}
	go c.readRTCP(rtp)
	return nil
}

// readRTCP drains the sender so the interceptors keep running.
func (c *Channel) readRTCP(rtp *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := rtp.Read(buf); err != nil {
			return
		}
	}
}

func (c *Channel) SetTrackEnabled(kind domain.MediaKind, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.senders[kind]
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	if !enabled {
		return s.rtp.ReplaceTrack(nil)
	}
	return s.rtp.ReplaceTrack(s.track)
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pc.Close()
	})
	return err
}

func (c *Channel) OnICECandidate(fn func(domain.Candidate)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		init := ic.ToJSON()
		fn(domain.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (c *Channel) OnRemoteTrack(fn func(port.RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind, ok := kindOf(tr.Kind())
		if !ok {
			return
		}
		c.log.Debug().Str("kind", string(kind)).Str("track_id", tr.ID()).Msg("Received remote track")
		if kind == domain.MediaVideo {
			go c.requestKeyframes(tr)
		}
		fn(remoteTrack{track: tr, kind: kind})
	})
}

// requestKeyframes sends a PLI right away and then periodically until the
// channel closes.
func (c *Channel) requestKeyframes(tr *webrtc.TrackRemote) {
	send := func() {
		_ = c.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
		})
	}
	send()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			send()
		case <-c.done:
			return
		}
	}
}

func (c *Channel) OnRenegotiationNeeded(fn func()) {
	c.pc.OnNegotiationNeeded(fn)
}

func (c *Channel) OnFailed(fn func(error)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug().Str("state", state.String()).Msg("Connection state changed")
		if state == webrtc.PeerConnectionStateFailed {
			fn(ErrConnectionFailed)
		}
	})
}
