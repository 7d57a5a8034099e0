// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func newGuard(t *testing.T, size int) *Guard {
	t.Helper()
	guard, err := NewGuard(size)
	if err != nil {
		t.Fatalf("NewGuard(%d): %v", size, err)
	}
	return guard
}

func requireAdmitted(t *testing.T, guard *Guard, sequence uint64) {
	t.Helper()
	if err := guard.Admit("orchestrator", "node-a", sequence); err != nil {
		t.Fatalf("Admit(%d): %v", sequence, err)
	}
}

func requireRejected(t *testing.T, guard *Guard, sequence uint64, reason Reason) {
	t.Helper()
	err := guard.Admit("orchestrator", "node-a", sequence)
	if !errors.Is(err, ErrReplay) {
		t.Fatalf("Admit(%d) = %v, want ErrReplay", sequence, err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Admit(%d) error %T is not *RejectedError", sequence, err)
	}
	if rejected.Reason != reason {
		t.Fatalf("Admit(%d) reason = %s, want %s", sequence, rejected.Reason, reason)
	}
}

func TestIncreasingSequencesAccepted(t *testing.T) {
	guard := newGuard(t, 0)
	for sequence := uint64(1); sequence <= 200; sequence++ {
		requireAdmitted(t, guard, sequence)
	}
	if got := guard.HighWater("orchestrator", "node-a"); got != 200 {
		t.Errorf("HighWater = %d, want 200", got)
	}
}

func TestResubmissionRejected(t *testing.T) {
	guard := newGuard(t, 0)
	requireAdmitted(t, guard, 7)
	requireRejected(t, guard, 7, ReasonDuplicate)
}

func TestZeroSequenceRejected(t *testing.T) {
	guard := newGuard(t, 0)
	requireRejected(t, guard, 0, ReasonZero)
}

// TestOutOfOrderInsideWindow: with a window of 8, delivering 105
// before 104 admits each exactly once.
func TestOutOfOrderInsideWindow(t *testing.T) {
	guard := newGuard(t, 8)
	for sequence := uint64(100); sequence <= 103; sequence++ {
		requireAdmitted(t, guard, sequence)
	}
	requireAdmitted(t, guard, 105)
	requireAdmitted(t, guard, 104)
	requireRejected(t, guard, 104, ReasonDuplicate)
	requireRejected(t, guard, 105, ReasonDuplicate)

	// 98 is inside (97, 105] and was never seen.
	requireAdmitted(t, guard, 98)
	requireRejected(t, guard, 98, ReasonDuplicate)
	// 97 is exactly one window below the high-water mark.
	requireRejected(t, guard, 97, ReasonTooOld)
}

func TestLargeJumpClearsWindow(t *testing.T) {
	guard := newGuard(t, 8)
	requireAdmitted(t, guard, 1)
	requireAdmitted(t, guard, 2)
	requireAdmitted(t, guard, 1000)
	// 995 maps to the same ring slot range as the old numbers but was
	// never seen.
	requireAdmitted(t, guard, 995)
	requireRejected(t, guard, 2, ReasonTooOld)
}

func TestMaximumSequence(t *testing.T) {
	guard := newGuard(t, 8)
	requireAdmitted(t, guard, math.MaxUint64-3)
	requireAdmitted(t, guard, math.MaxUint64)
	requireAdmitted(t, guard, math.MaxUint64-1)
	requireRejected(t, guard, math.MaxUint64, ReasonDuplicate)
}

func TestPairsAreIndependent(t *testing.T) {
	guard := newGuard(t, 0)
	if err := guard.Admit("orchestrator", "node-a", 5); err != nil {
		t.Fatalf("Admit to node-a: %v", err)
	}
	if err := guard.Admit("orchestrator", "node-b", 5); err != nil {
		t.Fatalf("Admit to node-b: %v", err)
	}
	if err := guard.Admit("node-a", "orchestrator", 5); err != nil {
		t.Fatalf("Admit reverse direction: %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	guard := newGuard(t, 8)
	requireAdmitted(t, guard, 10)
	requireAdmitted(t, guard, 12)
	if err := guard.Admit("orchestrator", "node-b", 3); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	marks := guard.Snapshot()
	want := []Mark{
		{Sender: "orchestrator", Recipient: "node-a", HighWater: 12},
		{Sender: "orchestrator", Recipient: "node-b", HighWater: 3},
	}
	if len(marks) != len(want) {
		t.Fatalf("Snapshot = %+v, want %+v", marks, want)
	}
	for index := range want {
		if marks[index] != want[index] {
			t.Fatalf("Snapshot[%d] = %+v, want %+v", index, marks[index], want[index])
		}
	}

	restored := newGuard(t, 8)
	restored.Restore(marks)

	// 11 was never admitted before the restart, but after a restore
	// everything at or below the mark is consumed.
	requireRejected(t, restored, 11, ReasonDuplicate)
	requireRejected(t, restored, 12, ReasonDuplicate)
	requireAdmitted(t, restored, 13)
}

func TestRestoreDoesNotLowerMark(t *testing.T) {
	guard := newGuard(t, 8)
	requireAdmitted(t, guard, 50)
	guard.Restore([]Mark{{Sender: "orchestrator", Recipient: "node-a", HighWater: 20}})
	if got := guard.HighWater("orchestrator", "node-a"); got != 50 {
		t.Errorf("HighWater = %d, want 50", got)
	}
}

func TestForget(t *testing.T) {
	guard := newGuard(t, 0)
	requireAdmitted(t, guard, 4)
	guard.Forget("node-a")
	if got := guard.HighWater("orchestrator", "node-a"); got != 0 {
		t.Errorf("HighWater after Forget = %d, want 0", got)
	}
}

func TestWindowSizeValidation(t *testing.T) {
	for _, size := range []int{-1, maxWindowSize + 1} {
		if _, err := NewGuard(size); err == nil {
			t.Errorf("NewGuard(%d) succeeded, want error", size)
		}
	}
	// Sizes that are not a multiple of 64 still work.
	guard := newGuard(t, 100)
	requireAdmitted(t, guard, 150)
	requireAdmitted(t, guard, 51)
	requireRejected(t, guard, 50, ReasonTooOld)
}

func TestConcurrentAdmitAcceptsEachOnce(t *testing.T) {
	guard := newGuard(t, 1024)
	const workers = 8
	const count = 512

	var accepted sync.Map
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sequence := uint64(1); sequence <= count; sequence++ {
				if guard.Admit("orchestrator", "node-a", sequence) == nil {
					if _, loaded := accepted.LoadOrStore(sequence, true); loaded {
						t.Errorf("sequence %d admitted twice", sequence)
					}
				}
			}
		}()
	}
	wg.Wait()

	for sequence := uint64(1); sequence <= count; sequence++ {
		if _, ok := accepted.Load(sequence); !ok {
			t.Errorf("sequence %d never admitted", sequence)
		}
	}
}
