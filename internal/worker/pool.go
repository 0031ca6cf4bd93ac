// Package worker runs background and long-running tasks on a fixed pool of
// goroutines so slow model calls cannot pile up unbounded.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull reports that the pool could not take more work.
	ErrQueueFull = errors.New("worker: queue full")

	// ErrStopped reports that the pool shut down before the task ran.
	ErrStopped = errors.New("worker: pool stopped")
)

const (
	defaultWorkerCount = 4
	defaultQueueSize   = 16
)

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Pool executes tasks on workerCount goroutines. Tasks submitted beyond the
// queue size are rejected rather than buffered without bound.
type Pool struct {
	logger      *zap.Logger
	tasks       chan Task
	workerCount int
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewPool(workerCount, queueSize int, logger *zap.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:      logger,
		tasks:       make(chan Task, queueSize),
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("started worker goroutines", zap.Int("count", p.workerCount))
}

// Stop cancels in-flight tasks and waits for the workers to exit. Tasks still
// queued but not started are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.cancel()
	})
	p.wg.Wait()
}

// Submit enqueues a fire-and-forget task. It reports false when the queue is
// full or the pool is stopped.
func (p *Pool) Submit(task Task) bool {
	select {
	case <-p.stopChan:
		return false
	default:
	}

	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Execute runs fn on the pool and waits for it to finish. The function sees a
// context that ends when either the caller's ctx or the pool itself does.
func (p *Pool) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)

	ok := p.Submit(Task{
		Name: name,
		Run: func(poolCtx context.Context) {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(poolCtx, cancel)
			defer stop()
			done <- fn(runCtx)
		},
	})
	if !ok {
		return ErrQueueFull
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopChan:
		select {
		case err := <-done:
			return err
		default:
			return ErrStopped
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			p.logger.Debug("worker shutting down", zap.Int("worker", id))
			return
		case task := <-p.tasks:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.Int("worker", id),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()
	task.Run(p.baseCtx)
}
