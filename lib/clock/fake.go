// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock that only moves when Advance is called. Safe for
// concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock's lock held. A callback may read Now or
// register new timers but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	when     time.Time
	period   time.Duration // non-zero for tickers
	deliver  chan time.Time
	callback func()
	done     bool // fired (one-shot) or stopped
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	clock := &FakeClock{now: start}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock reaches now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	deliver := make(chan time.Time, 1)
	if d <= 0 {
		deliver <- c.now
		return deliver
	}
	c.addLocked(&pendingTimer{when: c.now.Add(d), deliver: deliver})
	return deliver
}

// AfterFunc registers f to run when the clock reaches now+d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &pendingTimer{when: c.now.Add(d), callback: f}
	c.addLocked(timer)
	return &Timer{stop: func() bool { return c.cancel(timer) }}
}

// NewTicker registers a ticker firing every d.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deliver := make(chan time.Time, 1)
	timer := &pendingTimer{when: c.now.Add(d), period: d, deliver: deliver}
	c.addLocked(timer)

	return &Ticker{
		C:    deliver,
		stop: func() { c.cancel(timer) },
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			timer.period = d
			timer.when = c.now.Add(d)
			if timer.done {
				timer.done = false
				c.addLocked(timer)
			}
		},
	}
}

// Advance moves the clock forward by d and fires everything that came
// due, earliest first. A ticker whose period elapsed several times
// fires once per period; deliveries that find the channel full are
// dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, timer := range due {
			if timer.callback != nil {
				timer.callback()
				continue
			}
			select {
			case timer.deliver <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount reports how many timers are pending.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) addLocked(timer *pendingTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(timer *pendingTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer.done {
		return false
	}
	timer.done = true
	c.removeLocked(timer)
	return true
}

func (c *FakeClock) removeLocked(timer *pendingTimer) {
	for index, candidate := range c.pending {
		if candidate == timer {
			c.pending = append(c.pending[:index], c.pending[index+1:]...)
			return
		}
	}
}

// takeDue removes and returns every timer due at or before target,
// sorted by deadline. Tickers are rescheduled one period later and stay
// pending.
func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*pendingTimer
	for _, timer := range c.pending {
		if timer.when.After(target) {
			remaining = append(remaining, timer)
		} else {
			due = append(due, timer)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })

	fired := make([]*pendingTimer, 0, len(due))
	for _, timer := range due {
		fired = append(fired, timer)
		if timer.period > 0 {
			timer.when = timer.when.Add(timer.period)
			remaining = append(remaining, timer)
		} else {
			timer.done = true
		}
	}
	c.pending = remaining
	return fired
}
