// Command peer is a headless call endpoint driven over a local HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	redisgw "github.com/Wyydra/yacall/internal/adapter/driven/gateway/redis"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/capture"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/notify"
	presencehttp "github.com/Wyydra/yacall/internal/adapter/driven/presence/http"
	presenceredis "github.com/Wyydra/yacall/internal/adapter/driven/presence/redis"
	"github.com/Wyydra/yacall/internal/adapter/driven/redisclient"
	"github.com/Wyydra/yacall/internal/adapter/driving/control"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// transport is what the peer needs from a signaling connection.
type transport interface {
	port.SignalingTransport
	Done() <-chan struct{}
	Close() error
}

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load env file")
	}
	cfg, err := config.New[config.PeerConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	level := config.SetupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer := domain.PeerID(cfg.Peer)
	l := log.With().Str("peer", cfg.Peer).Logger()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redisclient.Open(ctx, redisclient.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	}

	var tr transport
	switch cfg.Transport {
	case "ws":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		tr, err = ws.Dial(dialCtx, cfg.RelayURL, peer)
		cancel()
	case "redis":
		if rdb == nil {
			l.Fatal().Msg("Redis transport needs YACALL_REDIS_ADDR")
		}
		tr, err = redisgw.New(ctx, rdb, cfg.Redis.Prefix, peer)
	default:
		l.Fatal().Str("transport", cfg.Transport).Msg("Unknown transport")
	}
	if err != nil {
		l.Fatal().Err(err).Str("transport", cfg.Transport).Msg("Failed to connect signaling")
	}
	defer tr.Close()

	var presence port.Presence
	switch {
	case cfg.PresenceURL != "":
		presence = presencehttp.NewClient(cfg.PresenceURL)
	case rdb != nil:
		shared := presenceredis.New(rdb, cfg.Redis.Prefix, presenceredis.DefaultTTL)
		presence = shared
		// Without a relay nobody else announces this peer.
		if cfg.Transport == "redis" {
			if err := shared.MarkOnline(ctx, peer); err != nil {
				l.Warn().Err(err).Msg("Failed to publish presence")
			}
			go shared.Heartbeat(ctx, func() []domain.PeerID { return []domain.PeerID{peer} })
			defer func() {
				offCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = shared.MarkOffline(offCtx, peer)
			}()
		}
	}

	opts := pion.DefaultOptions()
	opts.ICEServers = cfg.ICEServers
	if level < opts.LogLevel {
		opts.LogLevel = level
	}
	channels, err := pion.NewFactory(opts)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to set up webrtc")
	}

	var media port.MediaCapture = capture.NewStatic(cfg.Peer, cfg.Silence)
	if cfg.Devices {
		devices, err := capture.OpenDevices(capture.DefaultDeviceOptions())
		if err != nil {
			l.Warn().Err(err).Msg("Device capture unavailable, using synthetic tracks")
		} else {
			media = devices
		}
	}

	kinds := make([]domain.MediaKind, 0, len(cfg.Call.Media))
	for _, raw := range cfg.Call.Media {
		k, err := domain.ParseMediaKind(raw)
		if err != nil {
			l.Fatal().Err(err).Msg("Invalid YACALL_CALL_MEDIA")
		}
		kinds = append(kinds, k)
	}

	observer := notify.NewLogObserver()
	calls := service.NewCallService(service.Config{
		LocalPeer:          peer,
		Media:              kinds,
		RingTimeout:        cfg.Call.RingTimeout,
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		MediaWait:          cfg.Call.MediaWait,
		PresenceTimeout:    cfg.Call.PresenceTimeout,
	}, service.Dependencies{
		Registry:  callmem.NewRegistry(cfg.Call.MaxCalls),
		Transport: tr,
		Channels:  channels,
		Capture:   media,
		Presence:  presence,
		Observer:  observer,
	})
	ctl := control.FromService(calls)
	if cfg.AutoAccept {
		observer.AutoAccept(ctl.Accept)
	}

	srv := &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: control.NewHandler(ctl).NewRouter(),
	}
	go func() {
		l.Info().Str("addr", cfg.ControlAddr).Str("transport", cfg.Transport).Msg("Peer ready")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("Failed to start control server")
		}
	}()

	select {
	case <-ctx.Done():
	case <-tr.Done():
		l.Error().Msg("Signaling connection lost")
		calls.HandleTransportLost()
	}
	l.Info().Msg("Shutting down peer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Control server forced to shutdown")
	}
	if err := calls.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Calls did not end in time")
	}
	l.Info().Msg("Peer exited")
}
