// Package sink runs best-effort side effects off the request path.
//
// Tasks are queued into a bounded buffer and executed by a small worker
// pool. Submitting never blocks: when the buffer is full the task is
// dropped. Task errors are logged and discarded.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 4
	taskTimeout      = 10 * time.Second
	drainTimeout     = 2 * time.Second
)

// Sink accepts fire-and-forget tasks.
type Sink interface {
	Go(name string, fn func(ctx context.Context) error)
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Queue is the production Sink: a bounded channel drained by workers.
type Queue struct {
	tasks   chan task
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against a concurrent send
	closed  bool
	dropped atomic.Int64
	onDrop  func(name string)
	logger  *zap.Logger
}

// Config configures a Queue.
type Config struct {
	Size    int
	Workers int
	// OnDrop is invoked with the task name whenever a task is dropped.
	OnDrop func(name string)
	Logger *zap.Logger
}

// NewQueue starts the worker pool.
func NewQueue(cfg Config) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	q := &Queue{
		tasks:  make(chan task, cfg.Size),
		onDrop: cfg.OnDrop,
		logger: cfg.Logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Go queues fn. Non-blocking: drops the task if the queue is full or closed.
func (q *Queue) Go(name string, fn func(ctx context.Context) error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(name)
		return
	}
	select {
	case q.tasks <- task{name: name, fn: fn}:
	default:
		q.drop(name)
	}
}

// Dropped returns the number of tasks dropped since start.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting tasks and waits (bounded) for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		q.logger.Warn("sink drain timed out, abandoning queued tasks")
	}
}

func (q *Queue) drop(name string) {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(name)
	}
	q.logger.Warn("sink queue full, dropping task", zap.String("task", name))
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("sink task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()
	if err := t.fn(ctx); err != nil {
		q.logger.Debug("sink task failed", zap.String("task", t.name), zap.Error(err))
	}
}

// Inline runs tasks synchronously on the caller's goroutine and swallows
// their errors. Useful for tests and tools that need deterministic ordering.
type Inline struct {
	mu    sync.Mutex
	names []string
}

func (s *Inline) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	_ = fn(context.Background())
}

// Names returns the names of all tasks submitted so far.
func (s *Inline) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
