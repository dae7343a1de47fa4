// Package clock abstracts time so engines, learners, and schedulers can be
// driven deterministically in tests. RealClock is used in production;
// MockClock lets tests advance time manually and fire scheduled callbacks.
package clock

import (
	"sync"
	"time"
)

// Clock is the time surface used across smartclimate: reading the current
// time, measuring elapsed spans, and scheduling one-shot callbacks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// Until returns the duration until t (negative if t is in the past).
	Until(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time
	// on the returned channel.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run in its own goroutine after d has elapsed.
	// The returned Timer cancels the call via Stop.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot callback handle.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// RealClock implements Clock on the standard time package.
type RealClock struct{}

// NewRealClock returns a Clock backed by wall-clock time.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time                  { return time.Now() }
func (c *RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (c *RealClock) Until(t time.Time) time.Duration { return time.Until(t) }

func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool { return t.timer.Stop() }

// MockClock is a Clock for tests. Time only moves when Advance or Set is
// called; due timers fire synchronously, in deadline order, inside that call.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	stopped  bool
	mu       sync.Mutex
}

// NewMockClock creates a MockClock starting at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward by d, firing every due timer in deadline
// order. Callbacks that schedule further timers inside the advanced window
// have those fire too, before Advance returns.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		timer := c.popNextDue(target)
		if timer == nil {
			break
		}
		timer.fire()
	}

	c.mu.Lock()
	if target.After(c.current) {
		c.current = target
	}
	c.mu.Unlock()
}

// Set jumps the clock to t. Forward jumps fire due timers like Advance;
// backward jumps just rewind the reading.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if t.After(current) {
		c.Advance(t.Sub(current))
		return
	}
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// popNextDue removes and returns the unstopped timer with the earliest
// deadline at or before target, advancing the clock to that deadline.
// Returns nil when no timer is due.
func (c *MockClock) popNextDue(target time.Time) *mockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	for i, timer := range c.timers {
		timer.mu.Lock()
		due := !timer.stopped && !timer.deadline.After(target)
		earlier := best == -1 || timer.deadline.Before(c.timers[best].deadline)
		timer.mu.Unlock()
		if due && earlier {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	timer := c.timers[best]
	c.timers = append(c.timers[:best], c.timers[best+1:]...)
	if timer.deadline.After(c.current) {
		c.current = timer.deadline
	}
	return timer
}

func (t *mockTimer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	f := t.f
	t.mu.Unlock()
	f()
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}
