// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/keywarden/lib/schema"
)

// poll sends a status envelope to every agent once immediately and
// then every status interval until ctx is done.
func (o *Orchestrator) poll(ctx context.Context) {
	ticker := o.clock.NewTicker(o.statusInterval)
	defer ticker.Stop()
	for {
		o.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce asks every agent for a status report, reconciles the
// reports against the tunnel records, and refreshes the QKD
// availability gauge.
func (o *Orchestrator) PollOnce(ctx context.Context) {
	var wait sync.WaitGroup
	for _, peer := range o.registry.Peers() {
		wait.Add(1)
		go func() {
			defer wait.Done()
			o.pollPeer(ctx, peer)
		}()
	}
	wait.Wait()
	if ctx.Err() != nil {
		return
	}

	for _, tunnel := range o.registry.Tunnels() {
		o.evaluate(tunnel)
	}
	o.refreshQKDStatus(ctx)
	o.persistProtocolState(context.WithoutCancel(ctx))
}

// pollPeer exchanges one status envelope with peer, probing every
// tunnel the peer is an endpoint of.
func (o *Orchestrator) pollPeer(ctx context.Context, peer *Peer) {
	tunnels := o.registry.TunnelsFor(peer.ID)
	probes := make([]schema.TunnelProbe, 0, len(tunnels))
	for _, tunnel := range tunnels {
		probes = append(probes, schema.TunnelProbe{Tunnel: tunnel.Spec.TunnelID, IKEName: tunnel.Spec.IKEName})
	}

	ctx, cancel := o.withAckTimeout(ctx)
	defer cancel()
	ack, err := o.send(ctx, peer, schema.ControlMessage{
		Op:      schema.OpStatus,
		CycleID: uuid.NewString(),
		Probes:  probes,
	})
	if err == nil && ack.Result != schema.AckStatus {
		err = ackError(peer, ack, schema.AckStatus)
	} else if err == nil && ack.Status == nil {
		err = fmt.Errorf("%w: node %s: status ack without a report", ErrAckFailed, peer.ID)
	}
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrAckTimeout) {
			err = fmt.Errorf("%w: node %s: status", ErrAckTimeout, peer.ID)
		}
		peer.recordPollError(err)
		o.logger.Warn("status poll failed", "peer", peer.ID, "error", err)
		return
	}
	peer.recordStatus(ack.Status, o.clock.Now())
}

// evaluate compares both agents' latest reports for a tunnel against
// the orchestrator's record. An agent ahead of the orchestrator starts
// reconciliation; an agent behind, or a keyed tunnel the daemon reports
// down, triggers an out-of-cycle rekey. A tunnel awaiting its first key
// is triggered once both daemons have negotiated it.
func (o *Orchestrator) evaluate(tunnel *Tunnel) {
	logger := o.logger.With("tunnel_id", tunnel.Spec.TunnelID)
	epoch := tunnel.Epoch()
	status := tunnel.Status()

	// An agent holding a key the orchestrator has no record of takes
	// precedence over first-key negotiation.
	if tunnel.awaitingFirstKey() && !o.agentAhead(tunnel) {
		if o.negotiated(tunnel) {
			tunnel.Trigger()
		} else if status == schema.TunnelDown && o.anyNegotiating(tunnel) {
			tunnel.setStatus(schema.TunnelNegotiating)
		}
		return
	}

	rekey := false
	converged := 0
	for _, node := range []string{tunnel.Spec.NodeA, tunnel.Spec.NodeB} {
		peer, err := o.registry.Peer(node)
		if err != nil {
			continue
		}
		report, _, _ := peer.Status()
		if report == nil {
			continue
		}
		entry, ok := report.Tunnel(tunnel.Spec.TunnelID)
		if !ok {
			continue
		}

		switch {
		case entry.AppliedEpoch > epoch:
			if tunnel.reconcile(entry.AppliedEpoch) {
				logger.Warn("agent reports a newer epoch, reconciling",
					"node", node,
					"epoch", epoch,
					"applied_epoch", entry.AppliedEpoch,
				)
				tunnel.schedule(o.clock.Now())
				tunnel.Trigger()
			}
		case entry.AppliedEpoch < epoch && status == schema.TunnelEstablished:
			logger.Warn("agent is behind the orchestrator",
				"node", node,
				"epoch", epoch,
				"applied_epoch", entry.AppliedEpoch,
			)
			rekey = true
		}

		if entry.Error != "" {
			logger.Warn("agent reports a tunnel error", "node", node, "error", entry.Error)
			continue
		}
		if entry.SAState == schema.TunnelDown && status == schema.TunnelEstablished {
			logger.Warn("daemon reports tunnel down", "node", node, "epoch", epoch)
			rekey = true
		}
		if entry.SAState == schema.TunnelEstablished && entry.AppliedEpoch == epoch {
			converged++
		}
	}

	if rekey {
		tunnel.setStatus(schema.TunnelDown)
		tunnel.schedule(o.clock.Now())
		tunnel.Trigger()
		return
	}
	// A tunnel taken down by an operator comes back once both daemons
	// renegotiated with the current key.
	if converged == 2 && status == schema.TunnelDown {
		logger.Info("tunnel renegotiated", "epoch", epoch)
		tunnel.setStatus(schema.TunnelEstablished)
	}
}

// anyNegotiating reports whether either daemon has an IKE SA for the
// tunnel in progress or up.
func (o *Orchestrator) anyNegotiating(tunnel *Tunnel) bool {
	for _, node := range []string{tunnel.Spec.NodeA, tunnel.Spec.NodeB} {
		peer, err := o.registry.Peer(node)
		if err != nil {
			continue
		}
		report, _, _ := peer.Status()
		if report == nil {
			continue
		}
		entry, ok := report.Tunnel(tunnel.Spec.TunnelID)
		if ok && (entry.SAState == schema.TunnelNegotiating || entry.SAState == schema.TunnelEstablished) {
			return true
		}
	}
	return false
}

// refreshQKDStatus records the smallest stored key count across the
// QKD links the tunnels use, or -1 when the key manager cannot answer.
func (o *Orchestrator) refreshQKDStatus(ctx context.Context) {
	seen := make(map[string]bool)
	available := -1
	for _, tunnel := range o.registry.Tunnels() {
		sae := tunnel.Spec.PeerSAE()
		if seen[sae] {
			continue
		}
		seen[sae] = true
		status, err := o.qkd.Status(ctx, sae)
		if err != nil {
			o.logger.Debug("QKD status unavailable", "peer_sae", sae, "error", err)
			available = -1
			break
		}
		if available < 0 || status.StoredKeyCount < available {
			available = status.StoredKeyCount
		}
	}
	o.metrics.qkdAvailable.Store(int64(available))
}

// Terminate asks both agents to tear down the tunnel's IKE SA and marks
// the tunnel down. The epoch is unchanged; the tunnel returns to
// established once both daemons report it renegotiated.
func (o *Orchestrator) Terminate(ctx context.Context, tunnelID string) error {
	tunnel, err := o.registry.Tunnel(tunnelID)
	if err != nil {
		return err
	}
	nodeA, nodeB, err := o.registry.endpoints(tunnel.Spec)
	if err != nil {
		return err
	}

	tunnel.cycle.Lock()
	defer tunnel.cycle.Unlock()

	cycleID := uuid.NewString()
	exchanges := make([]*exchange, 0, 2)
	for _, node := range []*Peer{nodeA, nodeB} {
		exchanges = append(exchanges, &exchange{peer: node, message: schema.ControlMessage{
			Op:      schema.OpTerminate,
			CycleID: cycleID,
			Tunnel:  tunnelID,
			Epoch:   tunnel.Epoch(),
			IKEName: tunnel.Spec.IKEName,
		}})
	}
	if err := o.dispatch(ctx, schema.AckTerminated, exchanges); err != nil {
		o.logger.Warn("terminate failed", "tunnel_id", tunnelID, "error", err)
		return fmt.Errorf("terminate: %w", err)
	}
	tunnel.setStatus(schema.TunnelDown)
	o.persistTunnel(context.WithoutCancel(ctx), tunnel)
	o.logger.Info("tunnel terminated", "tunnel_id", tunnelID, "epoch", tunnel.Epoch())
	return nil
}

// agentAhead reports whether either agent's latest report shows an
// applied epoch past the tunnel's.
func (o *Orchestrator) agentAhead(tunnel *Tunnel) bool {
	epoch := tunnel.Epoch()
	for _, node := range []string{tunnel.Spec.NodeA, tunnel.Spec.NodeB} {
		peer, err := o.registry.Peer(node)
		if err != nil {
			continue
		}
		report, _, _ := peer.Status()
		if report == nil {
			continue
		}
		if entry, ok := report.Tunnel(tunnel.Spec.TunnelID); ok && entry.AppliedEpoch > epoch {
			return true
		}
	}
	return false
}
