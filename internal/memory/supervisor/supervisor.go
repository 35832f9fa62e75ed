// Package supervisor runs the background tasks the foreground path never
// waits on: semantic consolidation, catalyst-potential detection, and
// co-occurrence recording. Tasks are submitted to a bounded buffered
// channel and drained by a fixed pool of errgroup workers; a task that
// fails is logged and swallowed, never surfaced to whoever submitted it.
package supervisor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jcbbge/anima/internal/memory/ports"
)

// Task is a unit of background work. It receives a context bound to the
// Supervisor's lifetime, not the originating request's.
type Task func(ctx context.Context) error

// DefaultQueueDepth is used when no explicit depth is configured.
const DefaultQueueDepth = 256

// DefaultWorkers is the number of concurrent drain goroutines.
const DefaultWorkers = 4

// Supervisor owns a bounded task queue and a fixed worker pool.
type Supervisor struct {
	logger  ports.Logger
	metrics ports.Metrics
	workers int

	queue chan Task

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l ports.Logger) Option   { return func(s *Supervisor) { s.logger = l } }
func WithMetrics(m ports.Metrics) Option { return func(s *Supervisor) { s.metrics = m } }
func WithWorkers(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New builds a Supervisor with the given queue depth (<=0 uses
// DefaultQueueDepth). The queue is not started until Start is called.
func New(queueDepth int, opts ...Option) *Supervisor {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	s := &Supervisor{
		logger:  ports.NoopLogger{},
		metrics: ports.NoopMetrics{},
		workers: DefaultWorkers,
		queue:   make(chan Task, queueDepth),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the worker pool against ctx; workers stop when ctx is
// canceled or Stop is called. Start is idempotent.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	s.group = g

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.drain(runCtx)
			return nil
		})
	}
}

func (s *Supervisor) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(ctx, task)
		}
	}
}

func (s *Supervisor) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor task panicked", map[string]any{"recovered": r})
			s.metrics.IncCounter("supervisor_tasks_panicked_total", nil)
		}
	}()
	if err := task(ctx); err != nil {
		s.logger.Error("supervisor task failed", map[string]any{"error": err.Error()})
		s.metrics.IncCounter("supervisor_tasks_failed_total", nil)
		return
	}
	s.metrics.IncCounter("supervisor_tasks_completed_total", nil)
}

// Submit enqueues task without blocking. If the queue is full, the task is
// dropped and supervisor_tasks_dropped_total is incremented; callers must
// treat background work as best-effort.
func (s *Supervisor) Submit(task Task) {
	select {
	case s.queue <- task:
		s.metrics.ObserveHistogram("supervisor_queue_depth", float64(len(s.queue)), nil)
	default:
		s.metrics.IncCounter("supervisor_tasks_dropped_total", nil)
		s.logger.Warn("supervisor queue full, task dropped", nil)
	}
}

// Stop cancels all workers and waits for them to return.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	g := s.group
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return g.Wait()
}

// QueueDepth reports the current number of queued-but-undrained tasks.
func (s *Supervisor) QueueDepth() int {
	return len(s.queue)
}
