// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay rejects control messages whose sequence numbers have
// already been seen.
//
// A Guard keeps one sliding Window per ordered (sender, recipient)
// pair. A window tracks the highest sequence number accepted so far
// (the high-water mark H) and a bitmap of the last size numbers at or
// below H. A number is admitted if it is above H, or if it is inside
// the window and has not been seen. Everything older than the window
// is treated as consumed.
//
// The guard is the authority on freshness. Envelope timestamps only
// filter out grossly stale traffic; a message inside the clock skew
// allowance is still rejected here if its number was used.
package replay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultWindowSize is the number of sequence numbers below the
// high-water mark that can still be admitted out of order.
const DefaultWindowSize = 64

// maxWindowSize bounds memory per pair.
const maxWindowSize = 1 << 16

// ErrReplay is matched by every *RejectedError.
var ErrReplay = errors.New("replay: sequence number rejected")

// Reason says why a sequence number was rejected.
type Reason int

const (
	// ReasonZero: sequence numbers start at 1.
	ReasonZero Reason = iota + 1
	// ReasonDuplicate: the number is inside the window and was
	// already admitted.
	ReasonDuplicate
	// ReasonTooOld: the number is below the window.
	ReasonTooOld
)

func (r Reason) String() string {
	switch r {
	case ReasonZero:
		return "zero sequence"
	case ReasonDuplicate:
		return "duplicate"
	case ReasonTooOld:
		return "outside window"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// RejectedError reports a rejected sequence number.
type RejectedError struct {
	Sender    string
	Recipient string
	Sequence  uint64
	HighWater uint64
	Reason    Reason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("replay: %s -> %s sequence %d rejected (%s, high water %d)",
		e.Sender, e.Recipient, e.Sequence, e.Reason, e.HighWater)
}

// Unwrap makes errors.Is(err, ErrReplay) hold.
func (e *RejectedError) Unwrap() error { return ErrReplay }

// Window is the replay state of one ordered pair. The zero value is
// not usable; create with NewWindow. Window is not safe for
// concurrent use; Guard serializes access.
type Window struct {
	size uint64
	high uint64
	// seen is a ring bitmap: number n is at bit n % size. Only
	// numbers in (high-size, high] have meaningful bits.
	seen []uint64
}

// NewWindow returns an empty window of the given size.
func NewWindow(size int) (*Window, error) {
	if size <= 0 || size > maxWindowSize {
		return nil, fmt.Errorf("replay: window size %d out of range [1, %d]", size, maxWindowSize)
	}
	return &Window{
		size: uint64(size),
		seen: make([]uint64, (size+63)/64),
	}, nil
}

// HighWater returns the highest admitted sequence number.
func (w *Window) HighWater() uint64 { return w.high }

// Check reports whether sequence would be admitted, without
// consuming it.
func (w *Window) Check(sequence uint64) (Reason, bool) {
	switch {
	case sequence == 0:
		return ReasonZero, false
	case sequence > w.high:
		return 0, true
	case w.high-sequence >= w.size:
		return ReasonTooOld, false
	case w.bit(sequence):
		return ReasonDuplicate, false
	default:
		return 0, true
	}
}

// Admit consumes sequence if Check allows it.
func (w *Window) Admit(sequence uint64) (Reason, bool) {
	reason, ok := w.Check(sequence)
	if !ok {
		return reason, false
	}
	if sequence > w.high {
		w.advance(sequence)
	}
	w.set(sequence)
	return 0, true
}

// advance moves the high-water mark to sequence, clearing the bits of
// the numbers that enter the window.
func (w *Window) advance(sequence uint64) {
	if sequence-w.high >= w.size {
		clear(w.seen)
	} else {
		for number := w.high + 1; ; number++ {
			w.clearBit(number)
			if number == sequence {
				break
			}
		}
	}
	w.high = sequence
}

// restore sets the high-water mark and marks every number in the
// window as seen.
func (w *Window) restore(high uint64) {
	w.high = high
	for index := range w.seen {
		w.seen[index] = ^uint64(0)
	}
}

func (w *Window) bit(number uint64) bool {
	position := number % w.size
	return w.seen[position/64]&(1<<(position%64)) != 0
}

func (w *Window) set(number uint64) {
	position := number % w.size
	w.seen[position/64] |= 1 << (position % 64)
}

func (w *Window) clearBit(number uint64) {
	position := number % w.size
	w.seen[position/64] &^= 1 << (position % 64)
}

type pair struct {
	sender    string
	recipient string
}

// Mark is the persisted form of one window: just the high-water mark.
type Mark struct {
	Sender    string `cbor:"sender"`
	Recipient string `cbor:"recipient"`
	HighWater uint64 `cbor:"high_water"`
}

// Guard holds windows for any number of ordered pairs. Safe for
// concurrent use.
type Guard struct {
	mu      sync.Mutex
	size    int
	windows map[pair]*Window
}

// NewGuard returns a guard whose windows have the given size. A size
// of zero selects DefaultWindowSize.
func NewGuard(size int) (*Guard, error) {
	if size == 0 {
		size = DefaultWindowSize
	}
	if _, err := NewWindow(size); err != nil {
		return nil, err
	}
	return &Guard{size: size, windows: make(map[pair]*Window)}, nil
}

// Admit checks sequence against the (sender, recipient) window and
// consumes it. It returns nil if the number is fresh and a
// *RejectedError otherwise.
func (g *Guard) Admit(sender, recipient string, sequence uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.window(pair{sender, recipient})
	if reason, ok := window.Admit(sequence); !ok {
		return &RejectedError{
			Sender:    sender,
			Recipient: recipient,
			Sequence:  sequence,
			HighWater: window.high,
			Reason:    reason,
		}
	}
	return nil
}

// HighWater returns the high-water mark for a pair, zero if the pair
// has never been seen.
func (g *Guard) HighWater(sender, recipient string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if window, ok := g.windows[pair{sender, recipient}]; ok {
		return window.high
	}
	return 0
}

// Forget drops every window in which name is sender or recipient.
func (g *Guard) Forget(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.windows {
		if key.sender == name || key.recipient == name {
			delete(g.windows, key)
		}
	}
}

// Snapshot returns the high-water mark of every pair, sorted by
// sender then recipient.
func (g *Guard) Snapshot() []Mark {
	g.mu.Lock()
	defer g.mu.Unlock()

	marks := make([]Mark, 0, len(g.windows))
	for key, window := range g.windows {
		marks = append(marks, Mark{Sender: key.sender, Recipient: key.recipient, HighWater: window.high})
	}
	sort.Slice(marks, func(i, j int) bool {
		if marks[i].Sender != marks[j].Sender {
			return marks[i].Sender < marks[j].Sender
		}
		return marks[i].Recipient < marks[j].Recipient
	})
	return marks
}

// Restore loads high-water marks from a Snapshot. Every number at or
// below a restored mark counts as consumed, so nothing admitted before
// a restart can be admitted again after it. A mark lower than the
// current in-memory mark is ignored.
func (g *Guard) Restore(marks []Mark) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, mark := range marks {
		window := g.window(pair{mark.Sender, mark.Recipient})
		if mark.HighWater > window.high {
			window.restore(mark.HighWater)
		}
	}
}

func (g *Guard) window(key pair) *Window {
	window, ok := g.windows[key]
	if !ok {
		// Size was validated in NewGuard.
		window, _ = NewWindow(g.size)
		g.windows[key] = window
	}
	return window
}
