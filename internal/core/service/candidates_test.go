package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type sinkFunc func(domain.Candidate) error

func (f sinkFunc) AddICECandidate(c domain.Candidate) error { return f(c) }

func recordingSink(got *[]string) sinkFunc {
	return func(c domain.Candidate) error {
		*got = append(*got, c.Candidate)
		return nil
	}
}

func cand(s string) domain.Candidate { return domain.Candidate{Candidate: s} }

func TestCandidateBufferDrainsInArrivalOrderOnce(t *testing.T) {
	b := NewCandidateBuffer()
	for i := 1; i <= 3; i++ {
		if err := b.Enqueue(cand(fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var got []string
	n, err := b.DrainInto(recordingSink(&got))
	if err != nil || n != 3 {
		t.Fatalf("DrainInto = %d, %v; want 3, nil", n, err)
	}
	if fmt.Sprint(got) != "[c1 c2 c3]" {
		t.Fatalf("applied %v, want [c1 c2 c3]", got)
	}

	n, err = b.DrainInto(recordingSink(&got))
	if err != nil || n != 0 {
		t.Fatalf("second DrainInto = %d, %v; want 0, nil", n, err)
	}
	if len(got) != 3 {
		t.Fatalf("candidates applied twice: %v", got)
	}
}

func TestCandidateBufferEnqueueAfterDrain(t *testing.T) {
	b := NewCandidateBuffer()
	if _, err := b.DrainInto(recordingSink(new([]string))); err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if err := b.Enqueue(cand("late")); !errors.Is(err, domain.ErrBufferDrained) {
		t.Fatalf("Enqueue after drain: err=%v, want ErrBufferDrained", err)
	}
}

func TestApplyOrBufferHoldsUntilRemoteDescription(t *testing.T) {
	b := NewCandidateBuffer()
	var got []string
	sink := recordingSink(&got)

	applied, err := b.ApplyOrBuffer(cand("early"), false, sink)
	if err != nil || applied {
		t.Fatalf("ApplyOrBuffer before remote = %t, %v", applied, err)
	}
	if len(got) != 0 {
		t.Fatalf("candidate applied before remote description: %v", got)
	}

	applied, err = b.ApplyOrBuffer(cand("late"), true, sink)
	if err != nil || !applied {
		t.Fatalf("ApplyOrBuffer after remote = %t, %v", applied, err)
	}
	if fmt.Sprint(got) != "[early late]" {
		t.Fatalf("applied %v, want [early late]", got)
	}
	if !b.Drained() || b.Len() != 0 {
		t.Fatalf("drained=%t len=%d", b.Drained(), b.Len())
	}
}

func TestCandidateBufferJoinsSinkErrors(t *testing.T) {
	b := NewCandidateBuffer()
	_ = b.Enqueue(cand("bad"))
	_ = b.Enqueue(cand("good"))

	boom := errors.New("boom")
	var got []string
	n, err := b.DrainInto(sinkFunc(func(c domain.Candidate) error {
		if c.Candidate == "bad" {
			return boom
		}
		got = append(got, c.Candidate)
		return nil
	}))
	if n != 2 || !errors.Is(err, boom) {
		t.Fatalf("DrainInto = %d, %v; want 2, boom", n, err)
	}
	if fmt.Sprint(got) != "[good]" {
		t.Fatalf("a failing candidate stopped the drain: %v", got)
	}
}

func TestCandidateBufferResetKeepsPending(t *testing.T) {
	b := NewCandidateBuffer()
	_ = b.Enqueue(cand("a"))
	b.Reset()
	_ = b.Enqueue(cand("b"))

	var got []string
	if _, err := b.DrainInto(recordingSink(&got)); err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if fmt.Sprint(got) != "[a b]" {
		t.Fatalf("applied %v, want [a b]", got)
	}

	b.Reset()
	if _, err := b.ApplyOrBuffer(cand("c"), false, recordingSink(&got)); err != nil {
		t.Fatalf("ApplyOrBuffer after reset: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("len=%d after reset, want 1", b.Len())
	}
}
