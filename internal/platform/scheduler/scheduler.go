// Package scheduler runs keyed one-shot tasks at a wall-clock time. Tasks
// are held in memory only; callers persist the due time themselves and
// re-register pending tasks at startup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is the work run when a schedule fires. The context is detached from
// any request and cancelled when the scheduler stops.
type Task func(ctx context.Context) error

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc and lets tests fire timers by hand.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Scheduler runs at most one pending task per key. Scheduling a key again
// replaces the earlier task.
type Scheduler struct {
	mu        sync.Mutex
	timers    map[string]*entry
	logger    zerolog.Logger
	now       func() time.Time
	afterFunc AfterFunc
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	seq       uint64
}

type entry struct {
	timer Timer
	at    time.Time
	seq   uint64
}

type Option func(*Scheduler)

// WithClock overrides the time source and timer factory.
func WithClock(now func() time.Time, after AfterFunc) Option {
	return func(s *Scheduler) {
		s.now = now
		s.afterFunc = after
	}
}

func New(logger zerolog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		timers:    make(map[string]*entry),
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		afterFunc: realAfterFunc,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule registers task under key to run at at. A time in the past runs
// the task immediately on its own goroutine.
func (s *Scheduler) Schedule(key string, at time.Time, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		s.logger.Warn().Str("key", key).Msg("scheduler stopped, task dropped")
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}

	s.seq++
	seq := s.seq
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e := &entry{at: at, seq: seq}
	e.timer = s.afterFunc(delay, func() { s.fire(key, seq, task) })
	s.timers[key] = e

	s.logger.Debug().Str("key", key).Time("at", at).Msg("task scheduled")
}

func (s *Scheduler) fire(key string, seq uint64, task Task) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if !ok || e.seq != seq || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("key", key).Interface("panic", r).Msg("scheduled task panicked")
		}
	}()

	if err := task(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("scheduled task failed")
		return
	}
	s.logger.Debug().Str("key", key).Msg("scheduled task completed")
}

// Cancel removes the pending task for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// DueAt returns when key is scheduled to run.
func (s *Scheduler) DueAt(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len is the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels pending tasks and waits for running ones to return or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
