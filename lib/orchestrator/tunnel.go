// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sync"
	"time"

	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/schema"
)

// Tunnel is the orchestrator's runtime record of one tunnel. Status and
// epoch change only through the cycle and the poller, under mutex.
type Tunnel struct {
	Spec schema.TunnelSpec

	// cycle serializes rekey cycles for the tunnel, whether started by
	// its loop or by an operator.
	cycle sync.Mutex

	// trigger wakes the tunnel's loop early. Buffered; a pending wake
	// absorbs further ones.
	trigger chan struct{}

	mutex          sync.Mutex
	status         schema.TunnelStatus
	epoch          uint64
	mode           keymix.Mode
	keyFingerprint string
	lastRekey      time.Time
	nextRekey      time.Time
	failures       int
	lastError      string

	// reconcileEpoch is the highest applied epoch an agent reported
	// above the orchestrator's own, zero when none is pending.
	reconcileEpoch uint64
}

func newTunnel(spec schema.TunnelSpec) *Tunnel {
	return &Tunnel{
		Spec:    spec,
		trigger: make(chan struct{}, 1),
		status:  schema.TunnelDown,
	}
}

// Trigger asks the tunnel's loop to run a cycle now. It never blocks.
func (t *Tunnel) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// clearTrigger drops a pending wake. A cycle that is starting satisfies
// it.
func (t *Tunnel) clearTrigger() {
	select {
	case <-t.trigger:
	default:
	}
}

// State returns the tunnel's TunnelState.
func (t *Tunnel) State() schema.TunnelState {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.stateLocked()
}

func (t *Tunnel) stateLocked() schema.TunnelState {
	return schema.TunnelState{
		TunnelID:        t.Spec.TunnelID,
		NodeA:           t.Spec.NodeA,
		NodeB:           t.Spec.NodeB,
		Status:          t.status,
		CurrentKeyEpoch: t.epoch,
	}
}

// Info returns the tunnel's admin listing row.
func (t *Tunnel) Info() schema.TunnelInfo {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	info := schema.TunnelInfo{
		State:          t.stateLocked(),
		IKEName:        t.Spec.IKEName,
		Mode:           string(t.mode),
		KeyFingerprint: t.keyFingerprint,
		Failures:       t.failures,
		LastError:      t.lastError,
	}
	if !t.lastRekey.IsZero() {
		info.LastRekey = t.lastRekey.Unix()
	}
	if !t.nextRekey.IsZero() {
		info.NextRekey = t.nextRekey.Unix()
	}
	return info
}

// stored returns the persisted form of the tunnel.
func (t *Tunnel) stored() StoredTunnel {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return StoredTunnel{
		Spec:           t.Spec,
		Epoch:          t.epoch,
		Status:         t.status,
		Mode:           t.mode,
		KeyFingerprint: t.keyFingerprint,
		LastRekey:      t.lastRekey,
	}
}

// restore loads persisted state. A tunnel persisted mid-cycle comes
// back failed.
func (t *Tunnel) restore(stored StoredTunnel) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.epoch = stored.Epoch
	t.status = stored.Status
	if t.status == schema.TunnelRekeying || !t.status.IsKnown() {
		t.status = schema.TunnelFailed
	}
	t.mode = stored.Mode
	t.keyFingerprint = stored.KeyFingerprint
	t.lastRekey = stored.LastRekey
}

// Epoch returns the current key epoch.
func (t *Tunnel) Epoch() uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.epoch
}

// Status returns the tunnel status.
func (t *Tunnel) Status() schema.TunnelStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.status
}

// beginCycle marks the tunnel rekeying and returns the epoch the cycle
// will install: one past the larger of the local epoch and any
// agent-reported epoch awaiting reconciliation.
func (t *Tunnel) beginCycle() uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.status = schema.TunnelRekeying
	return max(t.epoch, t.reconcileEpoch) + 1
}

// confirm records a successful cycle.
func (t *Tunnel) confirm(epoch uint64, mode keymix.Mode, fingerprint string, now, next time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.epoch = epoch
	t.reconcileEpoch = 0
	t.status = schema.TunnelEstablished
	t.mode = mode
	t.keyFingerprint = fingerprint
	t.lastRekey = now
	t.nextRekey = next
	t.failures = 0
	t.lastError = ""
}

// fail records a failed cycle and returns the consecutive failure
// count. The epoch is unchanged.
func (t *Tunnel) fail(err error) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.status = schema.TunnelFailed
	t.failures++
	t.lastError = err.Error()
	return t.failures
}

// postpone records a cycle that did not run (QKD unavailable, agents
// not ready). The status reverts to what it was.
func (t *Tunnel) postpone(status schema.TunnelStatus, reason error) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.status = status
	t.failures++
	t.lastError = reason.Error()
	return t.failures
}

// reconcile notes an agent-reported applied epoch. It reports whether
// the report raised the epoch the next cycle will start from.
func (t *Tunnel) reconcile(reported uint64) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if reported <= max(t.epoch, t.reconcileEpoch) {
		return false
	}
	t.reconcileEpoch = reported
	return true
}

// setStatus overwrites the status.
func (t *Tunnel) setStatus(status schema.TunnelStatus) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.status = status
}

// scheduled returns when the loop should next run a cycle.
func (t *Tunnel) scheduled() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.nextRekey
}

// schedule sets the next cycle time.
func (t *Tunnel) schedule(at time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.nextRekey = at
}

// failureCount returns the consecutive failures.
func (t *Tunnel) failureCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.failures
}

// scheduleInitial sets the first cycle time of a freshly started loop:
// one rekey interval after the last rekey, or now for a tunnel that
// never had a key. An existing schedule is kept.
func (t *Tunnel) scheduleInitial(now time.Time, interval time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.nextRekey.IsZero() {
		return
	}
	if t.epoch == 0 || t.lastRekey.IsZero() {
		t.nextRekey = now
		return
	}
	t.nextRekey = t.lastRekey.Add(interval)
}

// awaitingFirstKey reports whether no key has been installed on the
// tunnel by anyone.
func (t *Tunnel) awaitingFirstKey() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.epoch == 0 && t.reconcileEpoch == 0
}
