package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/utils/clock"
)

var errPanicked = errors.New("scheduler: task panicked")

// Task is one run of a recurring job. Returning a non-nil error stops the
// recurrence: the task is dropped and never runs again.
type Task func(ctx context.Context) error

// Scheduler runs recurring tasks at a fixed interval.
//
// Usage:
//
//	s := New()
//	s.Start(ctx)
//	defer s.Stop()
//
//	s.ScheduleEvery("extend/flash-sale-2024", 10*time.Minute, func(ctx context.Context) error {
//	    return extend(ctx)
//	})
//
// Tasks run one at a time on the scheduler goroutine and must not block for
// long. All methods are safe for concurrent use.
type Scheduler struct {
	clock clock.Clock

	mu   sync.Mutex
	h    minHeap
	byID map[string]*item // id → item, including a task that is currently running

	notify chan struct{}

	// running is non-zero while a task executes on the scheduler goroutine.
	running atomic.Int32

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock. Tests pass a *testing.FakeClock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a new Scheduler. Call Start() to begin running tasks.
func New(opts ...Option) *Scheduler {
	h := make(minHeap, 0, 8)
	heap.Init(&h)
	s := &Scheduler{
		clock:  clock.RealClock{},
		h:      h,
		byID:   make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleEvery registers fn to run every interval, first one interval from
// now. Scheduling an id that already exists replaces the previous task.
func (s *Scheduler) ScheduleEvery(id string, interval time.Duration, fn Task) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	s.mu.Lock()
	s.dropLocked(id)
	it := &item{
		id:       id,
		interval: interval,
		fn:       fn,
		dueAt:    s.clock.Now().Add(interval),
	}
	heap.Push(&s.h, it)
	s.byID[id] = it
	s.mu.Unlock()

	s.wake()
}

// Cancel stops the task registered under id. A task that is running right
// now finishes its current run and is not rescheduled. No-op for unknown ids.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(id)
}

// CancelAll stops every task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byID {
		s.dropLocked(id)
	}
}

// Has reports whether a task is registered under id.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Start launches the background goroutine. Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the background goroutine and waits for it to exit.
// Registered tasks are abandoned.
//
// While a task is running Stop only signals: the goroutine exits as soon as
// the task returns. A task may therefore call Stop, directly or through a
// callback, without deadlocking.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	if s.running.Load() > 0 {
		return
	}
	s.wg.Wait()
}

// dropLocked must be called with s.mu held.
func (s *Scheduler) dropLocked(id string) {
	it, ok := s.byID[id]
	if !ok {
		return
	}
	it.cancelled = true
	if it.heapIdx >= 0 {
		s.h.remove(it.heapIdx)
	}
	delete(s.byID, id)
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ─── run loop ────────────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var next *item
		if s.h.Len() > 0 {
			next = s.h[0]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := next.dueAt.Sub(s.clock.Now())
		if delay <= 0 {
			s.fire(ctx)
			continue
		}

		t := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.done:
			t.Stop()
			return
		case <-s.notify:
			// A new task may be due sooner; re-evaluate from the top.
			t.Stop()
		case <-t.C():
			s.fire(ctx)
		}
	}
}

// fire pops the root, runs it outside the lock and reschedules it unless it
// failed or was cancelled or replaced meanwhile.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.h.Len() == 0 || s.h[0].dueAt.After(s.clock.Now()) {
		s.mu.Unlock()
		return
	}
	it := heap.Pop(&s.h).(*item)
	s.running.Inc()
	s.mu.Unlock()

	err := s.runTask(ctx, it)
	s.running.Dec()

	s.mu.Lock()
	defer s.mu.Unlock()
	if it.cancelled || s.byID[it.id] != it {
		return
	}
	if err != nil {
		slog.Warn("scheduler: task failed, not rescheduling", "id", it.id, "err", err)
		delete(s.byID, it.id)
		return
	}
	it.dueAt = s.clock.Now().Add(it.interval)
	heap.Push(&s.h, it)
}

func (s *Scheduler) runTask(ctx context.Context, it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: task panicked", "id", it.id, "panic", r)
			err = errPanicked
		}
	}()
	return it.fn(ctx)
}
