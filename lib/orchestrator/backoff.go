// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"math/rand/v2"
	"time"
)

// Backoff defaults for failed cycles.
const (
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 60 * time.Second
	backoffJitter         = 0.2
)

// backoff computes retry delays: initial doubled per consecutive
// failure, capped at max, with ±20% jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration

	// random returns a value in [0, 1).
	random func() float64
}

func newBackoff(initial, maximum time.Duration, random func() float64) backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if maximum < initial {
		maximum = max(initial, DefaultBackoffMax)
	}
	if random == nil {
		random = rand.Float64
	}
	return backoff{initial: initial, max: maximum, random: random}
}

// delay returns the wait after the given number of consecutive
// failures (1 for the first failure).
func (b backoff) delay(failures int) time.Duration {
	base := b.initial
	for attempt := 1; attempt < failures && base < b.max; attempt++ {
		base *= 2
	}
	base = min(base, b.max)
	factor := 1 + backoffJitter*(2*b.random()-1)
	return time.Duration(float64(base) * factor)
}
