package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed. Tasks sharing a Key are
// never queued or run concurrently; a second submission is rejected while
// the first is pending.
type Task struct {
	ID  string
	Key string
	Fn  func(context.Context) error
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a new worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)
	defer p.release(task.Key)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	p.completedTasks.Add(1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("task_id", task.ID),
		zap.Duration("duration", duration))
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

func (p *WorkerPool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// TrySubmit queues a task without blocking. It returns false when the pool
// is stopped, the queue is full, or a task with the same key is pending.
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.rejectedTasks.Add(1)
		return false
	}
	if task.Key != "" {
		if _, busy := p.inflight[task.Key]; busy {
			return false
		}
	}

	select {
	case p.taskQueue <- task:
		if task.Key != "" {
			p.inflight[task.Key] = struct{}{}
		}
		p.totalTasks.Add(1)
		return true
	default:
		p.rejectedTasks.Add(1)
		return false
	}
}

// Submit is TrySubmit with an error describing the rejection
func (p *WorkerPool) Submit(task Task) error {
	if p.TrySubmit(task) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}
	if _, busy := p.inflight[task.Key]; task.Key != "" && busy {
		return fmt.Errorf("worker pool '%s' already has a task for %q", p.name, task.Key)
	}
	return fmt.Errorf("worker pool '%s' queue is full", p.name)
}

// Stop cancels the task context, drops queued tasks and waits for running
// tasks to return.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool", zap.String("name", p.name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		return fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
	}
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// Idle reports whether nothing is queued or running
func (s Stats) Idle() bool {
	return s.QueuedTasks == 0 && s.ActiveWorkers == 0
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	finished := s.CompletedTasks + s.FailedTasks
	if finished == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(finished)) * 100.0
}
