// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/nodeagent"
	"github.com/bureau-foundation/keywarden/lib/qkd"
	"github.com/bureau-foundation/keywarden/lib/schema"
)

// EpochMismatchError is an agent's refusal of a stage or commit epoch.
// AppliedEpoch is the agent's last applied epoch.
type EpochMismatchError struct {
	Node         string
	Epoch        uint64
	AppliedEpoch uint64
}

func (e *EpochMismatchError) Error() string {
	return "node " + e.Node + " refused epoch " + strconv.FormatUint(e.Epoch, 10) +
		" (applied epoch " + strconv.FormatUint(e.AppliedEpoch, 10) + ")"
}

func (e *EpochMismatchError) Unwrap() error { return nodeagent.ErrEpochMismatch }

// errDeferred marks a cycle that did not start: no key was derived and
// no agent was contacted.
var errDeferred = errors.New("orchestrator: cycle deferred")

// ErrNotNegotiated means a tunnel that never had a key is not yet
// reported established by both daemons. No key was derived.
var ErrNotNegotiated = errors.New("orchestrator: tunnel not negotiated by both daemons")

// RunCycle runs one rekey cycle for a tunnel now and waits for it. It
// serializes with the tunnel's loop. A tunnel that never had a key
// fails with ErrNotNegotiated until both daemons report it
// established.
func (o *Orchestrator) RunCycle(ctx context.Context, tunnelID string) error {
	tunnel, err := o.registry.Tunnel(tunnelID)
	if err != nil {
		return err
	}
	return o.cycle(ctx, tunnel)
}

// cycle derives a fresh session key for the tunnel and installs it on
// both agents: stage on both, then commit on both. Partial success is
// total failure.
func (o *Orchestrator) cycle(ctx context.Context, tunnel *Tunnel) error {
	tunnel.cycle.Lock()
	defer tunnel.cycle.Unlock()
	tunnel.clearTrigger()

	spec := tunnel.Spec
	nodeA, nodeB, err := o.registry.endpoints(spec)
	if err != nil {
		return err
	}

	// The first key goes in only after the daemons negotiated the
	// tunnel themselves.
	if tunnel.awaitingFirstKey() && !o.negotiated(tunnel) {
		tunnel.schedule(o.clock.Now().Add(o.statusInterval))
		return fmt.Errorf("%w: %s", ErrNotNegotiated, spec.TunnelID)
	}

	previous := tunnel.Status()
	epoch := tunnel.beginCycle()
	started := o.clock.Now()
	timing := schema.CycleTiming{
		CycleID: uuid.NewString(),
		Tunnel:  spec.TunnelID,
		Epoch:   epoch,
		Mode:    string(keymix.ModeHybrid),
	}
	o.metrics.cyclesStarted.Add(1)
	logger := o.logger.With(
		"tunnel_id", spec.TunnelID,
		"cycle_id", timing.CycleID,
		"epoch", epoch,
	)

	session, err := o.deriveKey(ctx, spec, epoch, &timing)
	if err != nil {
		if errors.Is(err, errDeferred) {
			failures := tunnel.postpone(previous, err)
			tunnel.schedule(o.clock.Now().Add(o.backoff.delay(failures)))
			timing.Result = "deferred"
			o.finishCycle(logger, tunnel, &timing, started, err)
			return err
		}
		return o.failCycle(ctx, logger, tunnel, &timing, started, err)
	}
	defer session.Close()
	timing.Mode = string(session.Mode)
	logger = logger.With("key_fingerprint", session.Identity, "mode", string(session.Mode))

	dispatchStarted := o.clock.Now()
	err = o.install(ctx, logger, spec, epoch, timing.CycleID, session, nodeA, nodeB)
	timing.DispatchMS = milliseconds(o.clock.Now().Sub(dispatchStarted))
	if err != nil {
		var mismatch *EpochMismatchError
		if errors.As(err, &mismatch) && tunnel.reconcile(mismatch.AppliedEpoch) {
			logger.Warn("agent is ahead of the orchestrator, reconciling",
				"node", mismatch.Node,
				"applied_epoch", mismatch.AppliedEpoch,
			)
			tunnel.fail(err)
			tunnel.schedule(o.clock.Now())
			o.metrics.cyclesFailed.Add(1)
			timing.Result = "epoch_mismatch"
			o.finishCycle(logger, tunnel, &timing, started, err)
			o.persistTunnel(context.WithoutCancel(ctx), tunnel)
			o.persistProtocolState(context.WithoutCancel(ctx))
			tunnel.Trigger()
			return err
		}
		return o.failCycle(ctx, logger, tunnel, &timing, started, err)
	}

	now := o.clock.Now()
	tunnel.confirm(epoch, session.Mode, session.Identity, now, now.Add(o.rekeyInterval))
	o.metrics.cyclesSucceeded.Add(1)
	if session.Mode == keymix.ModeDegraded {
		o.metrics.cyclesDegraded.Add(1)
	}
	timing.Result = "established"
	o.finishCycle(logger, tunnel, &timing, started, nil)
	o.persistTunnel(context.WithoutCancel(ctx), tunnel)
	o.persistProtocolState(context.WithoutCancel(ctx))
	return nil
}

// failCycle records a failed cycle: status failed, epoch unchanged,
// next attempt after backoff.
func (o *Orchestrator) failCycle(ctx context.Context, logger *slog.Logger, tunnel *Tunnel, timing *schema.CycleTiming, started time.Time, err error) error {
	failures := tunnel.fail(err)
	tunnel.schedule(o.clock.Now().Add(o.backoff.delay(failures)))
	o.metrics.cyclesFailed.Add(1)
	timing.Result = "failed"
	o.finishCycle(logger, tunnel, timing, started, err)
	o.persistTunnel(context.WithoutCancel(ctx), tunnel)
	o.persistProtocolState(context.WithoutCancel(ctx))
	return err
}

// finishCycle records the cycle timing and emits the cycle log record.
func (o *Orchestrator) finishCycle(logger *slog.Logger, tunnel *Tunnel, timing *schema.CycleTiming, started time.Time, err error) {
	now := o.clock.Now()
	timing.EndToEndMS = milliseconds(now.Sub(started))
	timing.Finished = now.Unix()
	o.metrics.recordCycle(*timing)

	attributes := []any{
		"result", timing.Result,
		"mode", timing.Mode,
		"qkd_fetch_ms", timing.QKDFetchMS,
		"pqc_gen_ms", timing.PQCGenMS,
		"mix_ms", timing.MixMS,
		"dispatch_ms", timing.DispatchMS,
		"e2e_ms", timing.EndToEndMS,
	}
	if err != nil {
		attributes = append(attributes,
			"error", err,
			"failures", tunnel.failureCount(),
			"next_attempt", tunnel.scheduled(),
		)
		logger.Warn("rekey cycle failed", attributes...)
		return
	}
	logger.Info("rekey cycle completed", attributes...)
}

// deriveKey fetches the QKD block, generates the PQC secret, and mixes
// them. With the QKD key manager unavailable it either derives a
// PQC-only key (when enabled) or returns an error wrapping errDeferred.
func (o *Orchestrator) deriveKey(ctx context.Context, spec schema.TunnelSpec, epoch uint64, timing *schema.CycleTiming) (*keymix.SessionKey, error) {
	var inputs []keymix.KeyMaterial
	defer func() { release(inputs) }()

	fetchStarted := o.clock.Now()
	qkdKey, err := o.qkd.FetchKey(ctx, qkd.Request{PeerSAE: spec.PeerSAE(), Size: o.qkdKeySize})
	timing.QKDFetchMS = milliseconds(o.clock.Now().Sub(fetchStarted))
	degraded := false
	if err != nil {
		if !errors.Is(err, qkd.ErrUnavailable) {
			return nil, fmt.Errorf("fetching QKD key: %w", err)
		}
		o.metrics.qkdUnavailable.Add(1)
		if !o.allowDegraded {
			return nil, fmt.Errorf("%w: %w", errDeferred, err)
		}
		degraded = true
		o.logger.Warn("QKD unavailable, deriving PQC-only key",
			"tunnel_id", spec.TunnelID,
			"epoch", epoch,
			"error", err,
		)
	}
	qkdSecret := keymix.QKDSecret{ID: qkdKey.ID, Secret: qkdKey.Secret}
	if !degraded {
		inputs = append(inputs, qkdSecret)
	}

	generateStarted := o.clock.Now()
	pqcSecret, err := o.pqc.Generate()
	timing.PQCGenMS = milliseconds(o.clock.Now().Sub(generateStarted))
	if err != nil {
		return nil, err
	}
	inputs = append(inputs, pqcSecret)

	mixStarted := o.clock.Now()
	mixContext := keymix.Context{TunnelID: spec.TunnelID, Epoch: epoch}
	var session *keymix.SessionKey
	if degraded {
		session, err = o.mixer.DeriveDegraded(pqcSecret, mixContext)
	} else {
		session, err = o.mixer.Derive(pqcSecret, qkdSecret, mixContext)
	}
	timing.MixMS = milliseconds(o.clock.Now().Sub(mixStarted))
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	o.logger.Debug("session key derived",
		"tunnel_id", spec.TunnelID,
		"epoch", epoch,
		"inputs", sources(inputs),
		"key_fingerprint", session.SourceID(),
	)
	return session, nil
}

// release zeroes every input secret.
func release(inputs []keymix.KeyMaterial) {
	for _, input := range inputs {
		input.Close()
	}
}

// sources names each input by kind and ID, for audit.
func sources(inputs []keymix.KeyMaterial) []string {
	names := make([]string, 0, len(inputs))
	for _, input := range inputs {
		names = append(names, input.Source().String()+":"+input.SourceID())
	}
	return names
}

// install stages the session key on both nodes, then commits it on
// both. Nodes that staged but did not confirm get an abort.
//
// Commit is not atomic across nodes. When one node confirms and the
// other fails, the confirmed daemon holds the new key while its peer
// keeps the old one, and the tunnel cannot pass traffic until the
// next cycle. That cycle learns the confirmed node's epoch from its
// epoch_mismatch ack or from a status poll and installs a fresh key
// past it on both nodes.
func (o *Orchestrator) install(ctx context.Context, logger *slog.Logger, spec schema.TunnelSpec, epoch uint64, cycleID string, session *keymix.SessionKey, nodes ...*Peer) error {
	stages := make([]*exchange, 0, len(nodes))
	for _, node := range nodes {
		stages = append(stages, &exchange{peer: node, message: schema.ControlMessage{
			Op:             schema.OpStage,
			CycleID:        cycleID,
			Tunnel:         spec.TunnelID,
			Epoch:          epoch,
			Key:            session.Key.Bytes(),
			KeyFingerprint: session.Identity,
			KeyContext:     session.Context.String(),
			IKEName:        spec.IKEName,
			ChildName:      spec.ChildName,
			Owners:         []string{spec.PeerIKEIdentity(node.ID)},
			Initiator:      spec.Initiator == node.ID,
		}})
	}
	if err := o.dispatch(ctx, schema.AckStaged, stages); err != nil {
		o.abort(ctx, logger, spec, epoch, cycleID, staged(stages, schema.AckStaged))
		return fmt.Errorf("stage: %w", err)
	}
	logger.Debug("key staged on both nodes")

	commits := make([]*exchange, 0, len(nodes))
	for _, node := range nodes {
		commits = append(commits, &exchange{peer: node, message: schema.ControlMessage{
			Op:      schema.OpCommit,
			CycleID: cycleID,
			Tunnel:  spec.TunnelID,
			Epoch:   epoch,
		}})
	}
	if err := o.dispatch(ctx, schema.AckConfirmed, commits); err != nil {
		// Nodes that confirmed keep the new key; the others still hold
		// it staged.
		var pending []*Peer
		for _, item := range commits {
			if item.ack == nil || item.ack.Result != schema.AckConfirmed {
				pending = append(pending, item.peer)
			}
		}
		o.abort(ctx, logger, spec, epoch, cycleID, pending)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// staged returns the peers whose exchange came back with result.
func staged(exchanges []*exchange, result schema.AckResult) []*Peer {
	var peers []*Peer
	for _, item := range exchanges {
		if item.ack != nil && item.ack.Result == result {
			peers = append(peers, item.peer)
		}
	}
	return peers
}

// abort discards the staged key on each peer. Best effort: failures
// are logged and the staged key expires on its own.
func (o *Orchestrator) abort(ctx context.Context, logger *slog.Logger, spec schema.TunnelSpec, epoch uint64, cycleID string, peers []*Peer) {
	if len(peers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	aborts := make([]*exchange, 0, len(peers))
	for _, peer := range peers {
		aborts = append(aborts, &exchange{peer: peer, message: schema.ControlMessage{
			Op:      schema.OpAbort,
			CycleID: cycleID,
			Tunnel:  spec.TunnelID,
			Epoch:   epoch,
		}})
	}
	if err := o.dispatch(ctx, schema.AckAborted, aborts); err != nil {
		logger.Warn("abort failed, staged key will expire", "error", err)
		return
	}
	nodes := make([]string, 0, len(peers))
	for _, peer := range peers {
		nodes = append(nodes, peer.ID)
	}
	logger.Info("staged key aborted", "nodes", nodes)
}
