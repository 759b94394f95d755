package pion

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Options struct {
	// ICEServers are STUN or TURN urls.
	ICEServers []string
	Username   string
	Credential string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	LogLevel zerolog.Level
}

func DefaultOptions() Options {
	return Options{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       15 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		LogLevel:            zerolog.WarnLevel,
	}
}

// Factory builds one PeerConnection per call session, all sharing one API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(opts Options) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(opts.LogLevel)}
	if opts.FailedTimeout > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	var cfg webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{
			URLs:       opts.ICEServers,
			Username:   opts.Username,
			Credential: opts.Credential,
		}}
	}
	return &Factory{api: api, config: cfg}, nil
}

func (f *Factory) NewChannel(_ context.Context, session domain.SessionID) (port.MediaChannel, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newChannel(session, pc), nil
}
