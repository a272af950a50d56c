package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a manually driven Clock. Time only moves when Advance is
// called; due callbacks then run on the caller's goroutine in deadline
// order, ties broken by scheduling order.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

// NewVirtual returns a Virtual clock reading start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

type virtualTimer struct {
	v        *Virtual
	deadline time.Time
	seq      uint64
	fn       func()
	done     bool
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// AfterFunc schedules fn at Now()+d.
func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{v: v, deadline: v.now.Add(d), seq: v.seq, fn: fn}
	v.timers = append(v.timers, t)
	return t
}

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.v.remove(t)
	return true
}

// remove must be called with v.mu held.
func (v *Virtual) remove(t *virtualTimer) {
	for i, x := range v.timers {
		if x == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every callback that falls
// due, including callbacks scheduled by callbacks within the window.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		next := v.nextDue(target)
		if next == nil {
			v.now = target
			v.mu.Unlock()
			return
		}
		next.done = true
		v.remove(next)
		if next.deadline.After(v.now) {
			v.now = next.deadline
		}
		v.mu.Unlock()

		next.fn()
	}
}

// nextDue must be called with v.mu held.
func (v *Virtual) nextDue(target time.Time) *virtualTimer {
	if len(v.timers) == 0 {
		return nil
	}
	sort.SliceStable(v.timers, func(i, j int) bool {
		a, b := v.timers[i], v.timers[j]
		if !a.deadline.Equal(b.deadline) {
			return a.deadline.Before(b.deadline)
		}
		return a.seq < b.seq
	})
	if first := v.timers[0]; !first.deadline.After(target) {
		return first
	}
	return nil
}

// Pending returns the number of scheduled, not yet fired callbacks.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}
