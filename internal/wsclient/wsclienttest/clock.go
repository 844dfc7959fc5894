// Package wsclienttest provides a manually driven Clock for tests of code that
// schedules reconnects or settle delays.
package wsclienttest

import (
	"sync"
	"time"

	"github.com/cybershield/messenger/internal/wsclient"
)

// Clock records scheduled callbacks and runs them only when told to.
type Clock struct {
	mu     sync.Mutex
	timers []*Timer
}

// Timer is a callback scheduled on a Clock.
type Timer struct {
	clock   *Clock
	Delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// AfterFunc schedules f. It never runs f on its own.
func (c *Clock) AfterFunc(d time.Duration, f func()) wsclient.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Timer{clock: c, Delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop cancels the timer. It reports whether the call prevented f from running.
func (t *Timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Pending returns the delays of timers that are neither stopped nor fired, in
// scheduling order.
func (c *Clock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.Delay)
		}
	}
	return out
}

// FireNext runs the oldest pending timer synchronously. It reports whether a
// timer was fired.
func (c *Clock) FireNext() bool {
	c.mu.Lock()
	var next *Timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	c.mu.Unlock()

	if next == nil {
		return false
	}
	next.fn()
	return true
}

// FireAll runs pending timers until none remain and returns how many ran.
// Timers scheduled by the callbacks themselves are fired too.
func (c *Clock) FireAll() int {
	n := 0
	for c.FireNext() {
		n++
	}
	return n
}
