package pipeline

import (
	"context"
	"sync"

	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/pkg/constants"
	customErr "github.com/gradekit/worker/pkg/errors"
	"go.uber.org/zap"
)

type task struct {
	evaluationID string
	run          func()
}

// Pool is a bounded worker pool. maxWorkers tasks run in parallel; excess
// submissions queue (up to queueDepth, then Submit blocks) until a worker
// frees up.
type Pool struct {
	tasks      chan task
	wg         sync.WaitGroup
	submitters sync.WaitGroup
	logger     *zap.SugaredLogger

	mu         sync.Mutex
	closed     bool
	maxWorkers int
	busyCount  int
	states     map[int]workerState
}

type workerState struct {
	Status       constants.WorkerStatus
	EvaluationID string
}

func NewPool(maxWorkers, queueDepth int) *Pool {
	p := &Pool{
		tasks:      make(chan task, queueDepth),
		logger:     logger.NewNamedLogger("worker-pool"),
		maxWorkers: maxWorkers,
		states:     make(map[int]workerState, maxWorkers),
	}

	for i := 0; i < maxWorkers; i++ {
		p.states[i] = workerState{Status: constants.WorkerStatusIdle}
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for t := range p.tasks {
		p.markBusy(id, t.evaluationID)
		p.runOne(id, t)
		p.markIdle(id)
	}
}

func (p *Pool) runOne(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			// The orchestrator converts its own panics into FAILED records;
			// anything reaching here must not take the worker down.
			p.logger.Errorf("Worker %d panicked: %v [EvalID: %s]", id, r, t.evaluationID)
		}
	}()

	t.run()
}

// Submit queues one evaluation. It returns ErrPoolShutDown after Shutdown
// has begun and blocks while the queue is full.
func (p *Pool) Submit(evaluationID string, run func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return customErr.ErrPoolShutDown
	}
	// Registered while the lock is held; Shutdown waits for registered
	// submitters before closing the task channel.
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	p.tasks <- task{evaluationID: evaluationID, run: run}
	return nil
}

// Status reports busy/total counts and per-worker state for operators.
func (p *Pool) Status() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make(map[int]string, len(p.states))
	for id, state := range p.states {
		if state.Status == constants.WorkerStatusBusy {
			statuses[id] = string(state.Status) + " processing evaluation: " + state.EvaluationID
			continue
		}
		statuses[id] = string(state.Status)
	}

	return map[string]interface{}{
		"busy_workers":  p.busyCount,
		"total_workers": p.maxWorkers,
		"worker_status": statuses,
	}
}

// Shutdown stops accepting work, drains the queue and waits for in-flight
// evaluations, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Submits that passed the closed check finish their sends before
		// the channel closes; workers keep draining until then.
		p.submitters.Wait()
		close(p.tasks)
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) markBusy(id int, evaluationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states[id] = workerState{Status: constants.WorkerStatusBusy, EvaluationID: evaluationID}
	p.busyCount++
}

func (p *Pool) markIdle(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states[id] = workerState{Status: constants.WorkerStatusIdle}
	p.busyCount--
}
