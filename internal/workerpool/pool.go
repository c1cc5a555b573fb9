// Package workerpool provides a fixed-size pool of goroutines draining an
// unbounded FIFO of tasks. A saturated pool queues work; it never rejects it.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultWorkers matches the fan-out concurrency of the push gateway clients.
const DefaultWorkers = 5

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("worker pool stopped")

type Config struct {
	Workers int
}

// Task is one unit of work. Tasks are never cancelled once queued.
type Task func()

type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	started  bool
	stopping bool

	workerWG sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	p := &Pool{
		cfg:    cfg,
		logger: logger.With("component", "WorkerPool"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopping {
		return
	}
	p.launch()
	p.logger.Info("Worker pool started", "workers", p.cfg.Workers)
}

// launch must be called with p.mu held.
func (p *Pool) launch() {
	p.started = true
	p.workerWG.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(i)
	}
}

// Submit enqueues a task. Tasks submitted before Start run once the pool starts.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrStopped
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop rejects new tasks and waits for the queue to drain. A pool that was
// never started runs its queued tasks before Stop returns.
// If ctx expires first, draining continues in the background.
func (p *Pool) Stop(ctx context.Context) error {
	start := time.Now()
	p.mu.Lock()
	p.stopping = true
	if !p.started {
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		p.logger.Info("Worker pool stopped before start, draining queue", "pending", len(p.queue))
		p.launch()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", "took", time.Since(start))
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out; tasks still draining", "pending", p.Pending())
		return ctx.Err()
	}
}

func (p *Pool) worker(idx int) {
	defer p.workerWG.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(idx, task)
	}
}

func (p *Pool) run(idx int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in worker task", "worker", idx, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
