package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// PoolMetrics tracks step dispatch counters across a run.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("step pool is shut down")

// StepPool is a bounded goroutine pool dispatching step executions. Levels of
// independent steps run through RunLevel; Submit is the underlying primitive.
type StepPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewStepPool creates a pool that runs at most parallelism steps at once.
func NewStepPool(parallelism int) *StepPool {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &StepPool{
		sem:  make(chan struct{}, parallelism),
		done: make(chan struct{}),
	}
}

// Submit enqueues work into the pool. It blocks while the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *StepPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
		// Slot acquired.
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent a race with Shutdown's
	// wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// RunLevel executes fn for every step in the wave with bounded concurrency.
// The first failure stops further dispatch; steps already in flight run to
// completion. A panicking step is converted to a failure rather than taking
// the run down. Returns the errors keyed by step id.
func (p *StepPool) RunLevel(ctx context.Context, stepIDs []string, fn func(ctx context.Context, stepID string) error) map[string]error {
	var (
		mu   sync.Mutex
		errs = make(map[string]error)
		stop atomic.Bool
		wg   sync.WaitGroup
	)

	record := func(stepID string, err error) {
		mu.Lock()
		errs[stepID] = err
		mu.Unlock()
		stop.Store(true)
	}

	for _, stepID := range stepIDs {
		if stop.Load() {
			break
		}

		stepID := stepID
		run := func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = schema.NewErrorf(schema.ErrCodeOperation, "step %s panicked: %v", stepID, r)
				}
			}()
			return fn(ctx, stepID)
		}

		wg.Add(1)
		submitErr := p.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			if err := run(ctx); err != nil {
				record(stepID, err)
				return err
			}
			return nil
		})
		if submitErr != nil {
			wg.Done()
			record(stepID, submitErr)
			break
		}
	}

	wg.Wait()
	return errs
}

// Wait blocks until all submitted work completes.
func (p *StepPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete.
func (p *StepPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *StepPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
