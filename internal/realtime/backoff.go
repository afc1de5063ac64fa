package realtime

import (
	"sync"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
	defaultMaxAttempts = 5
)

// Backoff computes exponential retry delays shared by the connection manager
// and the subscription registry: Base doubling per attempt, capped at Cap,
// with MaxAttempts bounding how many retries may be scheduled at all.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the policy used when the configuration is silent.
func DefaultBackoff() Backoff {
	return Backoff{Base: defaultBackoffBase, Cap: defaultBackoffCap, MaxAttempts: defaultMaxAttempts}
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = defaultBackoffCap
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaultMaxAttempts
	}
	return b
}

// Delay returns the wait before the given attempt (1-based). Delays double
// until the cap and never exceed it.
func (b Backoff) Delay(attempt int) time.Duration {
	policy := b.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := policy.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.Cap {
			return policy.Cap
		}
	}
	if delay > policy.Cap {
		return policy.Cap
	}
	return delay
}

// Exhausted reports whether the attempt counter has used up the retry budget.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.normalized().MaxAttempts
}

// RetryTimer is the single cancellable scheduled-task abstraction used for
// every deferred action in this package tree (reconnects, subscription
// retries, heartbeat ticks). Stop is idempotent and safe after firing, so
// teardown can cancel everything synchronously without leaking timers.
type RetryTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// ScheduleRetry runs fn after delay unless stopped first.
func ScheduleRetry(delay time.Duration, fn func()) *RetryTimer {
	retry := &RetryTimer{}
	retry.timer = time.AfterFunc(delay, func() {
		retry.mu.Lock()
		if retry.stopped {
			retry.mu.Unlock()
			return
		}
		retry.stopped = true
		retry.mu.Unlock()
		fn()
	})
	return retry
}

// Stop cancels the pending task. It returns true if the task had not fired.
func (r *RetryTimer) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	return r.timer.Stop()
}

// TimerSet tracks live RetryTimers so an owner can cancel all of them on
// teardown. It drops fired timers lazily on the next Add.
type TimerSet struct {
	mu     sync.Mutex
	timers map[int64]*RetryTimer
	nextID int64
	closed bool
}

// NewTimerSet constructs an empty set.
func NewTimerSet() *TimerSet {
	return &TimerSet{timers: make(map[int64]*RetryTimer)}
}

// Schedule registers fn to run after delay, tied to the set's lifetime. Once
// the set is stopped, new schedules run nothing and return nil.
func (s *TimerSet) Schedule(delay time.Duration, fn func()) *RetryTimer {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	timer := ScheduleRetry(delay, func() {
		s.forget(id)
		fn()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		timer.Stop()
		return nil
	}
	s.timers[id] = timer
	s.mu.Unlock()
	return timer
}

func (s *TimerSet) forget(id int64) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()
}

// StopAll cancels every pending timer and rejects future schedules.
func (s *TimerSet) StopAll() {
	s.mu.Lock()
	s.closed = true
	pending := make([]*RetryTimer, 0, len(s.timers))
	for _, timer := range s.timers {
		pending = append(pending, timer)
	}
	s.timers = make(map[int64]*RetryTimer)
	s.mu.Unlock()
	for _, timer := range pending {
		timer.Stop()
	}
}
