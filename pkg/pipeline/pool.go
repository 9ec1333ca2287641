package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tinyland-inc/drumline/pkg/logger"
)

// Pool executes runs concurrently across bounded worker slots while
// preserving per-user start order. "Started" means the dispatcher's
// FIFO marking: each run is recorded active, in queue order, before
// its worker goroutine is spawned, so two runs for one user are never
// marked out of arrival order. With more than one worker the
// goroutines themselves are scheduled independently, so runs may reach
// their first step, and may complete, in any order.
type Pool struct {
	orc   *Orchestrator
	slots *semaphore.Weighted
	queue chan *Run

	// onFinished receives every run that reached a terminal status (or
	// was interrupted by shutdown, non-terminal).
	onFinished func(*Run)

	mu     sync.RWMutex
	active map[string]*Run
	wg     sync.WaitGroup
}

func NewPool(orc *Orchestrator, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		orc:    orc,
		slots:  semaphore.NewWeighted(int64(workers)),
		queue:  make(chan *Run, queueSize),
		active: make(map[string]*Run),
	}
}

// SetFinishedHandler registers the completion callback. Must be called
// before Start.
func (p *Pool) SetFinishedHandler(fn func(*Run)) {
	p.onFinished = fn
}

// Enqueue hands an admitted run to the pool. Blocks when the queue is
// full, which backpressures admission rather than dropping work.
func (p *Pool) Enqueue(ctx context.Context, run *Run) error {
	select {
	case p.queue <- run:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start consumes the queue until ctx is canceled. It blocks; run it in
// its own goroutine and call Wait on shutdown.
func (p *Pool) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-p.queue:
			if err := p.slots.Acquire(ctx, 1); err != nil {
				return
			}
			// Mark started here, in dispatch order, not inside the
			// worker goroutine: this is what pins per-user start order.
			p.markActive(run)
			p.wg.Add(1)
			go func(run *Run) {
				defer p.wg.Done()
				defer p.slots.Release(1)
				defer p.unmarkActive(run)
				if err := p.orc.Execute(ctx, run); err != nil {
					logger.ErrorCF("pipeline", "Run execution error", map[string]any{
						"run_id": run.ID,
						"error":  err.Error(),
					})
				}
				if p.onFinished != nil {
					p.onFinished(run)
				}
			}(run)
		}
	}
}

// Wait blocks until all in-flight runs have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ActiveRuns reports how many runs hold worker slots right now.
func (p *Pool) ActiveRuns() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

func (p *Pool) markActive(run *Run) {
	p.mu.Lock()
	p.active[run.ID] = run
	p.mu.Unlock()
}

func (p *Pool) unmarkActive(run *Run) {
	p.mu.Lock()
	delete(p.active, run.ID)
	p.mu.Unlock()
}
