// Package workers provides a bounded goroutine pool for per-instrument
// analysis within a tick.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

var (
	ErrPoolStopped     = errors.New("pool is stopped")
	ErrQueueFull       = errors.New("task queue is full")
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        `mapstructure:"name"`
	NumWorkers      int           `mapstructure:"num_workers" validate:"gte=1"`
	QueueSize       int           `mapstructure:"queue_size" validate:"gte=1"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		ShutdownTimeout: 5 * time.Second,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64 `json:"tasksSubmitted"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	PanicRecovered int64 `json:"panicRecovered"`
	QueueLength    int   `json:"queueLength"`
}

type job struct {
	ctx  context.Context
	task Task
	done func(error)
}

// Pool manages a pool of worker goroutines. Panics inside tasks are
// recovered and returned as *PanicError.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	queue   chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex // orders enqueue against Start and Stop
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}

	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", config.Name)),
		config: config,
		queue:  make(chan job, config.QueueSize),
	}
}

// Start launches the workers. A stopped pool can be started again.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Swap(true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.logger.Info("Starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.ctx)
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case j := <-p.queue:
					j.done(ErrPoolStopped)
				default:
					return
				}
			}
		case j := <-p.queue:
			j.done(p.execute(j))
		}
	}
}

func (p *Pool) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Worker recovered from panic", zap.Any("panic", r))
			err = &PanicError{Recovered: r}
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.task.Execute(j.ctx)
}

// Submit queues a task without waiting for it.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	return p.enqueue(job{ctx: ctx, task: task, done: func(error) {}})
}

func (p *Pool) enqueue(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// RunAll executes tasks on the pool and waits for all of them. errs[i] is the
// result of tasks[i]. Tasks that cannot be queued run on the caller's
// goroutine, so RunAll never loses work to a full queue.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		i := i
		wg.Add(1)
		j := job{ctx: ctx, task: task, done: func(err error) {
			errs[i] = err
			wg.Done()
		}}
		if err := p.enqueue(j); err != nil {
			j.done(p.execute(j))
		}
	}
	wg.Wait()
	return errs
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running.Swap(false) {
		p.mu.Unlock()
		return nil
	}
	p.logger.Info("Stopping worker pool")
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool shutdown timed out", zap.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		PanicRecovered: p.panics.Load(),
		QueueLength:    len(p.queue),
	}
}
