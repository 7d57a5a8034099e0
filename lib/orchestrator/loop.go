// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"

	"github.com/bureau-foundation/keywarden/lib/schema"
)

// runTunnel is the tunnel's control loop. It sleeps until the tunnel's
// next scheduled cycle or an early trigger, runs the cycle, and
// repeats until ctx is cancelled. Each cycle reschedules the tunnel:
// one rekey interval after success, backoff after failure.
func (o *Orchestrator) runTunnel(ctx context.Context, tunnel *Tunnel) {
	logger := o.logger.With("tunnel_id", tunnel.Spec.TunnelID)
	tunnel.scheduleInitial(o.clock.Now(), o.rekeyInterval)
	logger.Debug("tunnel loop started", "next_rekey", tunnel.scheduled())

	for {
		if !o.waitForCycle(ctx, tunnel) {
			logger.Debug("tunnel loop stopped")
			return
		}

		// cycle logs its own outcome and reschedules the tunnel.
		err := o.cycle(ctx, tunnel)
		if errors.Is(err, ErrNotNegotiated) {
			logger.Debug("waiting for both daemons to establish the tunnel")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// waitForCycle blocks until the tunnel's scheduled time or a trigger.
// It returns false once ctx is done.
func (o *Orchestrator) waitForCycle(ctx context.Context, tunnel *Tunnel) bool {
	delay := tunnel.scheduled().Sub(o.clock.Now())
	if delay <= 0 {
		// Already due: a pending trigger adds nothing.
		tunnel.clearTrigger()
		return ctx.Err() == nil
	}

	timer := o.clock.AfterFunc(delay, tunnel.Trigger)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tunnel.trigger:
		return true
	}
}

// negotiated reports whether both agents' latest status reports show
// the tunnel's IKE SA established.
func (o *Orchestrator) negotiated(tunnel *Tunnel) bool {
	for _, node := range []string{tunnel.Spec.NodeA, tunnel.Spec.NodeB} {
		peer, err := o.registry.Peer(node)
		if err != nil {
			return false
		}
		report, _, _ := peer.Status()
		if report == nil {
			return false
		}
		entry, ok := report.Tunnel(tunnel.Spec.TunnelID)
		if !ok || entry.SAState != schema.TunnelEstablished {
			return false
		}
	}
	return true
}
