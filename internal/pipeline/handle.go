package pipeline

import (
	"context"
	"sync"

	"github.com/gradekit/worker/pkg/evaluation"
)

// Handle tracks one in-flight async evaluation. The evaluation id is
// assigned at submission time, so the id is usable before the record is
// terminal.
type Handle struct {
	id     string
	cancel context.CancelFunc

	mu     sync.Mutex
	record *evaluation.Record
	done   chan struct{}
}

func newHandle(id string, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the evaluation record id this handle resolves to.
func (h *Handle) ID() string {
	return h.id
}

// Await blocks until the evaluation reaches its terminal record or ctx is
// done.
func (h *Handle) Await(ctx context.Context) (*evaluation.Record, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.record, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll returns the terminal record if the evaluation already finished.
func (h *Handle) Poll() (*evaluation.Record, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.record, true
	default:
		return nil, false
	}
}

// Cancel requests a best-effort cancellation. Compilation aborts promptly;
// a running suite stops at the kill or the suite deadline, whichever comes
// first. The evaluation still resolves to a terminal FAILED record.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) resolve(record *evaluation.Record) {
	h.mu.Lock()
	h.record = record
	h.mu.Unlock()
	close(h.done)
}
