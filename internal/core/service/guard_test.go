package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
)

func TestResourceGuardTeardownOnce(t *testing.T) {
	capture := newFakeCapture()
	channel := newFakeChannel("alice", 0)
	var released atomic.Int32
	g := NewResourceGuard(capture, channel, func() { released.Add(1) })

	ts, err := capture.Acquire(context.Background(), domain.MediaAudio, domain.MediaVideo)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !g.Attach(ts) {
		t.Fatalf("Attach before teardown returned false")
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Teardown(); err != nil {
				t.Errorf("Teardown: %v", err)
			}
		}()
	}
	wg.Wait()

	live, acquired, rel, doubles := capture.Counts()
	if live != 0 || acquired != 1 || rel != 1 || doubles != 0 {
		t.Fatalf("live=%d acquired=%d released=%d doubles=%d", live, acquired, rel, doubles)
	}
	if n := channel.stat(func(f *fakeChannel) int { return f.closes }); n != 1 {
		t.Fatalf("channel closed %d times, want 1", n)
	}
	if n := released.Load(); n != 1 {
		t.Fatalf("registry released %d times, want 1", n)
	}
	if !g.TornDown() {
		t.Fatalf("TornDown=false after teardown")
	}
}

func TestResourceGuardReleasesLateTracks(t *testing.T) {
	capture := newFakeCapture()
	g := NewResourceGuard(capture, nil, nil)
	if err := g.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	ts, _ := capture.Acquire(context.Background(), domain.MediaAudio)
	if g.Attach(ts) {
		t.Fatalf("Attach after teardown returned true")
	}
	if live, _, rel, _ := capture.Counts(); live != 0 || rel != 1 {
		t.Fatalf("late tracks not released: live=%d released=%d", live, rel)
	}
	if g.Attach(nil) {
		t.Fatalf("Attach(nil) returned true")
	}
}

func TestResourceGuardClosesReplacementChannel(t *testing.T) {
	first := newFakeChannel("bob", 0)
	second := newFakeChannel("bob", 0)
	g := NewResourceGuard(nil, first, nil)

	g.Use(second)
	if err := g.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if n := first.stat(func(f *fakeChannel) int { return f.closes }); n != 0 {
		t.Fatalf("replaced channel closed %d times by the guard", n)
	}
	if n := second.stat(func(f *fakeChannel) int { return f.closes }); n != 1 {
		t.Fatalf("current channel closed %d times, want 1", n)
	}

	late := newFakeChannel("bob", 0)
	g.Use(late)
	if n := late.stat(func(f *fakeChannel) int { return f.closes }); n != 1 {
		t.Fatalf("channel handed over after teardown closed %d times, want 1", n)
	}
}
