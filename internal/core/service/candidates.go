package service

import (
	"errors"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type CandidateSink interface {
	AddICECandidate(c domain.Candidate) error
}

// CandidateBuffer stages remote candidates that arrive before the remote
// description is set. It is owned by a single session worker.
type CandidateBuffer struct {
	pending []domain.Candidate
	drained bool
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

func (b *CandidateBuffer) Enqueue(c domain.Candidate) error {
	if b.drained {
		return domain.ErrBufferDrained
	}
	b.pending = append(b.pending, c)
	return nil
}

// DrainInto applies every buffered candidate in arrival order. Only the first
// call does anything.
func (b *CandidateBuffer) DrainInto(sink CandidateSink) (int, error) {
	if b.drained {
		return 0, nil
	}
	b.drained = true
	pending := b.pending
	b.pending = nil

	var errs []error
	for i, c := range pending {
		if err := sink.AddICECandidate(c); err != nil {
			errs = append(errs, fmt.Errorf("candidate %d: %w", i, err))
		}
	}
	return len(pending), errors.Join(errs...)
}

// ApplyOrBuffer applies c immediately once the remote description is set and
// buffers it otherwise.
func (b *CandidateBuffer) ApplyOrBuffer(c domain.Candidate, remoteSet bool, sink CandidateSink) (bool, error) {
	if !remoteSet {
		if b.drained {
			// A round restarted without Reset; keep the candidate for the next drain.
			b.pending = append(b.pending, c)
			return false, nil
		}
		return false, b.Enqueue(c)
	}
	var drainErr error
	if !b.drained {
		_, drainErr = b.DrainInto(sink)
	}
	return true, errors.Join(drainErr, sink.AddICECandidate(c))
}

// Reset re-arms the buffer for a round that restarts with no remote
// description. Candidates still pending are kept.
func (b *CandidateBuffer) Reset() {
	b.drained = false
}

func (b *CandidateBuffer) Len() int {
	return len(b.pending)
}

func (b *CandidateBuffer) Drained() bool {
	return b.drained
}
