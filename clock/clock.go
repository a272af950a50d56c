// Package clock abstracts time so that scheduled work (vendor replies,
// payment processing, delivery ticks) can run on the wall clock in
// production and on a virtual clock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock tells the time and schedules callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc calls fn once, after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle on a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer; false means it had already fired or been stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Every calls fn every d until the returned Timer is stopped. The first call
// happens d after Every returns.
func Every(c Clock, d time.Duration, fn func()) Timer {
	p := &periodic{clock: c, interval: d, fn: fn}
	p.mu.Lock()
	p.schedule()
	p.mu.Unlock()
	return p
}

type periodic struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	fn       func()
	current  Timer
	stopped  bool
}

// schedule must be called with p.mu held.
func (p *periodic) schedule() {
	p.current = p.clock.AfterFunc(p.interval, p.fire)
}

func (p *periodic) fire() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.schedule()
	p.mu.Unlock()
	p.fn()
}

func (p *periodic) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	if p.current != nil {
		p.current.Stop()
	}
	return true
}
