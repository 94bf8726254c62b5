// Package scheduler orders outbound requests by priority under a shared
// rate limit.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/pkg/utils"
)

// Priority orders requests; lower values run first.
type Priority int

const (
	PriorityEmergency Priority = 1
	PriorityNormal    Priority = 5
	PriorityLow       Priority = 10
)

// Task is one outbound request. Returning an error that wraps
// errors.ErrRateLimited puts the task back in the queue.
type Task func(ctx context.Context) error

type request struct {
	name       string
	task       Task
	priority   Priority
	enqueuedAt time.Time
	seq        uint64
	retries    int
	done       chan error // nil for fire-and-forget
	index      int        // heap position, -1 once popped
	abandoned  bool       // caller stopped waiting; guarded by Scheduler.mu
}

func (r *request) finish(err error) {
	if r.done != nil {
		r.done <- err
	}
}

// queue is a min-heap on (priority, enqueuedAt, seq).
type queue []*request

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// Stats counts scheduler outcomes.
type Stats struct {
	Dispatched  int64
	RateLimited int64
	Dropped     int64
	Failed      int64
	Abandoned   int64
}

// Scheduler dispatches queued requests in priority order.
type Scheduler struct {
	cfg     config.SchedulerConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	q      queue
	seq    uint64
	wake   chan struct{}
	onDrop func(name string, err error)

	// consecutive rate-limit responses, drives the backoff
	throttled int

	dispatched  atomic.Int64
	rateLimited atomic.Int64
	dropped     atomic.Int64
	failed      atomic.Int64
	abandoned   atomic.Int64
}

// NewScheduler creates a scheduler limited to cfg.RequestsPerMinute.
func NewScheduler(cfg config.SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	return &Scheduler{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), cfg.Burst),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// SetDropCallback sets the callback for tasks dropped after MaxRetries.
func (s *Scheduler) SetDropCallback(fn func(name string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

// Enqueue adds a task without waiting for it to run.
func (s *Scheduler) Enqueue(name string, priority Priority, task Task) {
	s.push(name, priority, task, nil)
}

// Do enqueues a task and waits for its result. A running Run loop is needed
// for the task to be dispatched. If ctx ends first the request is withdrawn
// and will not be dispatched later, though a task already running is not
// interrupted.
func (s *Scheduler) Do(ctx context.Context, name string, priority Priority, task Task) error {
	done := make(chan error, 1)
	r := s.push(name, priority, task, done)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.abandon(r)
		return ctx.Err()
	}
}

func (s *Scheduler) push(name string, priority Priority, task Task, done chan error) *request {
	r := &request{
		name:     name,
		task:     task,
		priority: priority,
		done:     done,
	}
	s.mu.Lock()
	s.seq++
	r.seq = s.seq
	r.enqueuedAt = s.now()
	heap.Push(&s.q, r)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return r
}

// abandon removes r from the queue, or keeps it from being re-queued if it
// is in flight.
func (s *Scheduler) abandon(r *request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.abandoned {
		return
	}
	r.abandoned = true
	if r.index >= 0 {
		heap.Remove(&s.q, r.index)
	}
	s.abandoned.Add(1)
	s.logger.Debug().Str("task", r.name).Msg("Caller gave up, request withdrawn")
}

// Len returns the number of queued requests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

// Stats returns outcome counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Dispatched:  s.dispatched.Load(),
		RateLimited: s.rateLimited.Load(),
		Dropped:     s.dropped.Load(),
		Failed:      s.failed.Load(),
		Abandoned:   s.abandoned.Load(),
	}
}

func (s *Scheduler) pop() *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.q).(*request)
}

// requeue puts r back with its original ordering key unless its caller has
// gone.
func (s *Scheduler) requeue(r *request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.abandoned {
		return
	}
	heap.Push(&s.q, r)
}

func (s *Scheduler) withdrawn(r *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.abandoned
}

// Drain runs queued tasks until the queue is empty or ctx ends.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := s.pop()
		if r == nil {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.requeue(r)
			return err
		}
		if s.withdrawn(r) {
			continue
		}
		if err := s.dispatch(ctx, r); err != nil {
			return err
		}
	}
}

// dispatch runs one request. It returns an error only when ctx ends while
// backing off.
func (s *Scheduler) dispatch(ctx context.Context, r *request) error {
	err := r.task(ctx)
	s.dispatched.Add(1)

	if !apperrors.Is(err, apperrors.ErrRateLimited) {
		s.throttled = 0
		if err != nil {
			s.failed.Add(1)
			s.logger.Debug().Err(err).Str("task", r.name).Msg("Task failed")
		}
		r.finish(err)
		return nil
	}

	s.rateLimited.Add(1)
	r.retries++
	if s.cfg.MaxRetries > 0 && r.retries > s.cfg.MaxRetries {
		s.dropped.Add(1)
		s.logger.Warn().Str("task", r.name).Int("retries", r.retries-1).Msg("Dropping rate-limited task")
		s.mu.Lock()
		cb := s.onDrop
		s.mu.Unlock()
		if cb != nil {
			cb(r.name, err)
		}
		r.finish(err)
		return nil
	}

	s.requeue(r)
	delay := utils.CalculateBackoff(s.throttled, s.cfg.BackoffInitial, s.cfg.BackoffMax, 2)
	s.throttled++
	s.logger.Debug().Str("task", r.name).Dur("backoff", delay).Msg("Rate limited, backing off")
	return utils.Sleep(ctx, delay)
}

// Run drains the queue continuously until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.Drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}
