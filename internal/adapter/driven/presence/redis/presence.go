package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/redisclient"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 90 * time.Second

// Presence keeps one expiring key per online peer. It implements
// port.Presence and port.PresenceSink, so relays sharing a Redis answer
// for each other's peers.
type Presence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(client *redis.Client, prefix string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Presence{client: client, prefix: prefix, ttl: ttl}
}

func (p *Presence) key(peer domain.PeerID) string {
	return redisclient.Key(p.prefix, "presence", string(peer))
}

func (p *Presence) MarkOnline(ctx context.Context, peer domain.PeerID) error {
	if err := p.client.Set(ctx, p.key(peer), time.Now().UTC().Format(time.RFC3339), p.ttl).Err(); err != nil {
		return fmt.Errorf("mark %s online: %w", peer, err)
	}
	return nil
}

func (p *Presence) MarkOffline(ctx context.Context, peer domain.PeerID) error {
	if err := p.client.Del(ctx, p.key(peer)).Err(); err != nil {
		return fmt.Errorf("mark %s offline: %w", peer, err)
	}
	return nil
}

func (p *Presence) IsReachable(ctx context.Context, peer domain.PeerID) (bool, error) {
	n, err := p.client.Exists(ctx, p.key(peer)).Result()
	if err != nil {
		return false, fmt.Errorf("presence of %s: %w", peer, err)
	}
	return n > 0, nil
}

// Refresh extends the keys of peers that are still connected.
func (p *Presence) Refresh(ctx context.Context, peers []domain.PeerID) error {
	if len(peers) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, peer := range peers {
		pipe.Expire(ctx, p.key(peer), p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Heartbeat refreshes online() every third of the TTL until ctx is done.
// Keys of a relay that dies expire on their own.
func (p *Presence) Heartbeat(ctx context.Context, online func() []domain.PeerID) {
	ticker := time.NewTicker(p.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx, online()); err != nil {
				log.Warn().Err(err).Msg("Presence heartbeat failed")
			}
		}
	}
}
