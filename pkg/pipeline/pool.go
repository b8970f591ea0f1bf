package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"export-service/pkg/export"
)

// RunFunc runs one export job to a terminal state.
type RunFunc func(ctx context.Context, jobID string) error

// Pool runs jobs on a fixed number of goroutines fed from a bounded queue.
type Pool struct {
	run    RunFunc
	jobs   chan string
	size   int
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

func NewPool(run RunFunc, size, queueSize int, logger *slog.Logger) *Pool {
	return &Pool{
		run:    run,
		jobs:   make(chan string, queueSize),
		size:   size,
		logger: logger.With("component", "export.pool"),
	}
}

// Start launches the workers. Jobs run with ctx.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go func() {
			defer p.wg.Done()
			for jobID := range p.jobs {
				if err := p.run(ctx, jobID); err != nil && !errors.Is(err, export.ErrExportFailed) {
					p.logger.Error("export run failed", "job_id", jobID, "error", err)
				}
			}
		}()
	}
	p.logger.Info("export pool started", "workers", p.size, "queue_size", cap(p.jobs))
}

// Submit enqueues jobID without blocking. It returns export.ErrQueueFull when the queue is
// at capacity or the pool is stopped.
func (p *Pool) Submit(jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return export.ErrQueueFull
	}
	select {
	case p.jobs <- jobID:
		return nil
	default:
		return export.ErrQueueFull
	}
}

// Stop rejects new jobs, lets queued ones finish and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("export pool stopped")
}
