// Package workers runs batches of independent simulations on a fixed set
// of goroutines. Every simulation owns its state, so items of a batch only
// share the result slot they write to.
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

// Errors
var (
	ErrPoolStopped     = errors.New("pool is stopped")
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // used in log fields
	NumWorkers      int           // simulation goroutines
	QueueSize       int           // pending items before submitters block
	ShutdownTimeout time.Duration // how long Stop waits for running items
}

// DefaultPoolConfig returns one worker per CPU; simulations are CPU bound
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       256,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats counts items since the pool was created
type PoolStats struct {
	Submitted int64         `json:"submitted"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Panics    int64         `json:"panics"`
	Busy      int64         `json:"busy"`
	Uptime    time.Duration `json:"uptime"`
}

// item is one call of a batch function
type item struct {
	index int
	fn    func(int) error
	done  func(error)
}

// Pool manages the simulation goroutines
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	queue chan item
	wg    sync.WaitGroup

	running atomic.Bool
	stopped chan struct{}
	once    sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	busy      atomic.Int64
	started   time.Time
}

// NewPool creates a new worker pool. Call Start before submitting.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	cfg := DefaultPoolConfig("default")
	if config != nil {
		cfg = config
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.NumWorkers
	}

	return &Pool{
		logger:  logger,
		config:  *cfg,
		queue:   make(chan item, cfg.QueueSize),
		stopped: make(chan struct{}),
		started: time.Now(),
	}
}

// Start launches the workers. Calling it again is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("Starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(p.logger.With(zap.Int("worker", i)))
	}
}

func (p *Pool) work(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopped:
			return
		case it := <-p.queue:
			it.done(p.execute(logger, it))
		}
	}
}

// execute runs one item, turning a panic into a *PanicError
func (p *Pool) execute(logger *zap.Logger, it item) (err error) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("Worker recovered from panic", zap.Int("item", it.index), zap.Any("panic", r))
			err = &PanicError{Recovered: r}
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	return it.fn(it.index)
}

// submit queues an item, waiting for space until ctx is done or the pool stops
func (p *Pool) submit(ctx context.Context, it item) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.queue <- it:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolStopped
	}
}

// Stop signals the workers and waits for running items. Queued items that
// have not started are abandoned.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("Stopping worker pool", zap.String("name", p.config.Name))
	p.once.Do(func() { close(p.stopped) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := p.Stats()
		p.logger.Info("Worker pool stopped",
			zap.String("name", p.config.Name),
			zap.Int64("completed", stats.Completed),
			zap.Int64("failed", stats.Failed))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool accepts work
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Workers returns the configured worker count
func (p *Pool) Workers() int {
	return p.config.NumWorkers
}

// Stats returns the item counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Busy:      p.busy.Load(),
		Uptime:    time.Since(p.started),
	}
}

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}

// BatchError collects the failed items of a batch
type BatchError struct {
	Errors []error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d batch items failed: %v", len(e.Errors), errors.Join(e.Errors...))
}

func (e *BatchError) Unwrap() []error { return e.Errors }

// BatchProcessor fans an indexed batch out over a pool and waits for it
type BatchProcessor struct {
	pool   *Pool
	logger *zap.Logger
}

// NewBatchProcessor creates a batch processor
func NewBatchProcessor(pool *Pool) *BatchProcessor {
	return &BatchProcessor{
		pool:   pool,
		logger: pool.logger,
	}
}

// ProcessBatch calls fn for every index in [0, n) on the pool and returns
// once all submitted calls have finished. Failed items are collected into
// a *BatchError; the remaining items still run. If ctx ends while items
// are being submitted, the ones already queued finish first.
func (bp *BatchProcessor) ProcessBatch(ctx context.Context, n int, fn func(i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	done := func(i int) func(error) {
		return func(err error) {
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("item %d: %w", i, err))
				mu.Unlock()
			}
			wg.Done()
		}
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := bp.pool.submit(ctx, item{index: i, fn: fn, done: done(i)}); err != nil {
			wg.Done()
			bp.wait(&wg)
			return fmt.Errorf("failed to submit item %d: %w", i, err)
		}
	}

	if !bp.wait(&wg) {
		return ErrPoolStopped
	}

	if len(errs) > 0 {
		bp.logger.Debug("Batch finished with errors", zap.Int("failed", len(errs)), zap.Int("items", n))
		return &BatchError{Errors: errs}
	}
	return nil
}

// wait blocks until wg is done or the pool stops; queued items never run
// after a stop.
func (bp *BatchProcessor) wait(wg *sync.WaitGroup) bool {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-bp.pool.stopped:
		return false
	}
}
