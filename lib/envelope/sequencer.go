// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"maps"
	"sync"
)

// RestartGap is added to every restored counter. Numbers handed out
// after the last snapshot and before a crash are skipped rather than
// reissued, since the receiver's replay window would reject them.
const RestartGap = 1024

// Sequencer allocates outbound sequence numbers per recipient. The
// first number for a recipient is 1. Safe for concurrent use.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

// Next returns the next sequence number for recipient.
func (s *Sequencer) Next(recipient string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	number := s.next[recipient]
	if number == 0 {
		number = 1
	}
	s.next[recipient] = number + 1
	return number
}

// Snapshot returns the next unissued number for every recipient.
func (s *Sequencer) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.next)
}

// Restore loads counters from a Snapshot, skipping ahead by
// RestartGap. A counter never moves backwards.
func (s *Sequencer) Restore(counters map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for recipient, next := range counters {
		if next == 0 {
			continue
		}
		if restored := next + RestartGap; restored > s.next[recipient] {
			s.next[recipient] = restored
		}
	}
}


// Forget drops the counter for recipient.
func (s *Sequencer) Forget(recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, recipient)
}
