// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/keywarden/lib/schema"
)

// metrics counts cycle outcomes and keeps the timing of the latest
// cycle per tunnel.
type metrics struct {
	cyclesStarted   atomic.Uint64
	cyclesSucceeded atomic.Uint64
	cyclesFailed    atomic.Uint64
	cyclesDegraded  atomic.Uint64
	qkdUnavailable  atomic.Uint64
	envelopesSent   atomic.Uint64
	acksRejected    atomic.Uint64
	qkdAvailable    atomic.Int64

	mutex      sync.Mutex
	lastCycles map[string]schema.CycleTiming
}

func newMetrics() *metrics {
	m := &metrics{lastCycles: make(map[string]schema.CycleTiming)}
	m.qkdAvailable.Store(-1)
	return m
}

func (m *metrics) recordCycle(timing schema.CycleTiming) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.lastCycles[timing.Tunnel] = timing
}

func (m *metrics) forget(tunnelID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.lastCycles, tunnelID)
}

func (m *metrics) snapshot() schema.Metrics {
	snapshot := schema.Metrics{
		CyclesStarted:   m.cyclesStarted.Load(),
		CyclesSucceeded: m.cyclesSucceeded.Load(),
		CyclesFailed:    m.cyclesFailed.Load(),
		CyclesDegraded:  m.cyclesDegraded.Load(),
		QKDUnavailable:  m.qkdUnavailable.Load(),
		EnvelopesSent:   m.envelopesSent.Load(),
		AcksRejected:    m.acksRejected.Load(),
		QKDAvailable:    int(m.qkdAvailable.Load()),
	}
	m.mutex.Lock()
	for _, timing := range m.lastCycles {
		snapshot.LastCycles = append(snapshot.LastCycles, timing)
	}
	m.mutex.Unlock()
	sort.Slice(snapshot.LastCycles, func(i, j int) bool {
		return snapshot.LastCycles[i].Tunnel < snapshot.LastCycles[j].Tunnel
	})
	return snapshot
}

// milliseconds converts a phase duration for CycleTiming.
func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
