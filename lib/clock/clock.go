// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets keywarden's timing-sensitive code run against
// either wall time or a test-controlled clock.
//
// Envelope freshness, acknowledgment deadlines, rekey backoff, liveness
// polling and staged-key expiry all read time through a Clock. Binaries
// pass Real(); tests pass Fake(t0) and move time with Advance, so a
// 30-second ack timeout or a 60-second backoff runs in microseconds and
// never flakes.
//
// A test that starts a goroutine which will wait on the clock should
// call WaitForTimers before Advance, otherwise the advance can happen
// before the goroutine registers its timer:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go loop.Run(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(ackTimeout)
package clock

import "time"

// Clock is the time source injected into every component that waits or
// timestamps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel the call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks the
// consumer is too slow to read are dropped.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the period from now.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports whether the call was still pending.
func (t *Timer) Stop() bool { return t.stop() }
