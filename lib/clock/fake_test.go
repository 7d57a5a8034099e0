// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	clock := Fake(start)
	clock.Advance(30 * time.Second)
	if got, want := clock.Now(), start.Add(30*time.Second); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	clock := Fake(start)
	deadline := clock.After(10 * time.Second)

	clock.Advance(9 * time.Second)
	select {
	case <-deadline:
		t.Fatal("After fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case <-deadline:
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after firing, want 0", clock.PendingCount())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	clock := Fake(start)
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	clock := Fake(start)
	var fired atomic.Bool
	timer := clock.AfterFunc(5*time.Second, func() { fired.Store(true) })

	if !timer.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	clock.Advance(10 * time.Second)
	if fired.Load() {
		t.Fatal("stopped AfterFunc ran")
	}
}

func TestFakeAfterFuncOrder(t *testing.T) {
	clock := Fake(start)
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callbacks ran in order %v, want [1 2 3]", order)
	}
}

func TestFakeAfterFuncCanRegister(t *testing.T) {
	clock := Fake(start)
	var second atomic.Bool
	clock.AfterFunc(time.Second, func() {
		clock.AfterFunc(time.Second, func() { second.Store(true) })
	})

	clock.Advance(time.Second)
	if second.Load() {
		t.Fatal("nested timer fired before its deadline")
	}
	clock.Advance(time.Second)
	if !second.Load() {
		t.Fatal("nested timer did not fire")
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	clock := Fake(start)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(5 * time.Second)

	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not tick")
	}
	select {
	case <-ticker.C:
		t.Fatal("ticker buffered more than one tick")
	default:
	}
}

func TestFakeTickerStopAndReset(t *testing.T) {
	clock := Fake(start)
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()

	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker ticked")
	default:
	}

	ticker.Reset(3 * time.Second)
	clock.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("reset ticker did not tick")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	clock := Fake(start)
	done := make(chan struct{})
	go func() {
		<-clock.After(time.Minute)
		close(done)
	}()

	clock.WaitForTimers(1)
	clock.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("goroutine waiting on After was not released")
	}
}
