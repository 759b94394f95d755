package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/port"
)

// ResourceGuard releases everything a session holds exactly once, whichever
// exit path gets there first.
type ResourceGuard struct {
	capture port.MediaCapture
	channel port.MediaChannel
	release func()

	mu     sync.Mutex
	tracks []*port.TrackSet
	torn   bool
	once   sync.Once
}

func NewResourceGuard(capture port.MediaCapture, channel port.MediaChannel, release func()) *ResourceGuard {
	return &ResourceGuard{
		capture: capture,
		channel: channel,
		release: release,
	}
}

// Attach hands a track set to the guard. After teardown the set is released
// on the spot and Attach reports false.
func (g *ResourceGuard) Attach(ts *port.TrackSet) bool {
	if ts == nil {
		return false
	}
	g.mu.Lock()
	if !g.torn {
		g.tracks = append(g.tracks, ts)
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	if g.capture != nil {
		_ = g.capture.Release(ts)
	}
	return false
}

// Use makes ch the channel closed on teardown. A channel handed over after
// teardown is closed on the spot.
func (g *ResourceGuard) Use(ch port.MediaChannel) {
	g.mu.Lock()
	if !g.torn {
		g.channel = ch
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	_ = ch.Close()
}

func (g *ResourceGuard) Teardown() error {
	var err error
	g.once.Do(func() {
		g.mu.Lock()
		g.torn = true
		tracks := g.tracks
		g.tracks = nil
		channel := g.channel
		g.mu.Unlock()

		var errs []error
		for _, ts := range tracks {
			if g.capture == nil {
				break
			}
			if rerr := g.capture.Release(ts); rerr != nil {
				errs = append(errs, fmt.Errorf("release tracks: %w", rerr))
			}
		}
		if channel != nil {
			if cerr := channel.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close media channel: %w", cerr))
			}
		}
		if g.release != nil {
			g.release()
		}
		err = errors.Join(errs...)
	})
	return err
}

func (g *ResourceGuard) TornDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.torn
}
