// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeagent

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/envelope"
	"github.com/bureau-foundation/keywarden/lib/ipsec"
	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/secret"
	"github.com/bureau-foundation/keywarden/lib/service"
)

// SharedKeyID is the daemon-side name of a tunnel's shared key. Each
// load replaces the previous key for the tunnel.
func SharedKeyID(tunnelID string) string { return "keywarden-" + tunnelID }

// Deliver handles one wire-encoded envelope and returns the
// wire-encoded, signed ack envelope. Rejected envelopes return an
// error and no ack; an epoch mismatch returns a signed epoch_mismatch
// ack so the orchestrator can reconcile.
func (a *Agent) Deliver(ctx context.Context, data []byte) ([]byte, error) {
	ack, err := a.Handle(ctx, data)
	if ack == nil {
		return nil, err
	}
	return a.sealAck(ack)
}

// Handle authenticates one wire-encoded envelope and executes its
// control message. A nil ack means the envelope was rejected before
// any state changed. An epoch mismatch returns both the ack and an
// error wrapping ErrEpochMismatch.
func (a *Agent) Handle(ctx context.Context, data []byte) (*schema.Ack, error) {
	sealed, plaintext, err := a.codec.OpenBytes(data, a.orchestrator, a.identity)
	if err != nil {
		peer := ""
		if decoded, decodeErr := envelope.Decode(data); decodeErr == nil {
			peer = decoded.Sender
		}
		return nil, a.reject(ctx, peer, err)
	}

	var message schema.ControlMessage
	err = codec.Unmarshal(plaintext, &message)
	secret.Zero(plaintext)
	defer secret.Zero(message.Key)
	if err != nil {
		return nil, a.reject(ctx, sealed.Sender, fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}
	if err := message.Validate(); err != nil {
		return nil, a.reject(ctx, sealed.Sender, fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}

	switch message.Op {
	case schema.OpStage:
		return a.stage(ctx, sealed, &message)
	case schema.OpCommit:
		return a.commit(ctx, sealed, &message)
	case schema.OpAbort:
		return a.abort(ctx, sealed, &message)
	case schema.OpStatus:
		return a.status(ctx, sealed, &message)
	case schema.OpTerminate:
		return a.terminate(ctx, sealed, &message)
	}
	return nil, a.reject(ctx, sealed.Sender, fmt.Errorf("%w: unhandled op %q", ErrInvalidMessage, message.Op))
}

// reject logs a refused envelope with the peer identity and wraps the
// cause in a RejectionError.
func (a *Agent) reject(ctx context.Context, peer string, err error) error {
	rejection := &RejectionError{Peer: peer, Err: err}
	a.logger.Warn("envelope rejected",
		"peer", peer,
		"peer_address", service.PeerAddress(ctx),
		"code", rejection.Code(),
		"error", err,
	)
	return rejection
}

// admit consumes the envelope's sequence number. It runs after the
// epoch check so that an envelope refused for its epoch never takes a
// window slot.
func (a *Agent) admit(ctx context.Context, sealed *envelope.Envelope) error {
	if err := a.guard.Admit(sealed.Sender, sealed.Recipient, sealed.Sequence); err != nil {
		return a.reject(ctx, sealed.Sender, err)
	}
	// The mark is on disk before the message acts.
	if err := a.persist(); err != nil {
		a.logger.Error("persisting replay mark failed",
			"peer", sealed.Sender,
			"sequence", sealed.Sequence,
			"error", err,
		)
	}
	return nil
}

// ackFor starts an ack for a tunnel message. The caller holds the
// tunnel's mutex.
func ackFor(message *schema.ControlMessage, record *tunnel, result schema.AckResult) *schema.Ack {
	return &schema.Ack{
		Op:           message.Op,
		CycleID:      message.CycleID,
		Tunnel:       message.Tunnel,
		Epoch:        message.Epoch,
		Result:       result,
		AppliedEpoch: record.appliedEpoch,
	}
}

// mismatch builds the epoch_mismatch ack. The caller holds the
// tunnel's mutex.
func (a *Agent) mismatch(ctx context.Context, sealed *envelope.Envelope, message *schema.ControlMessage, record *tunnel, reason string) (*schema.Ack, error) {
	err := fmt.Errorf("%w: %s", ErrEpochMismatch, reason)
	a.logger.Warn("epoch mismatch",
		"peer", sealed.Sender,
		"peer_address", service.PeerAddress(ctx),
		"tunnel_id", message.Tunnel,
		"op", string(message.Op),
		"epoch", message.Epoch,
		"applied_epoch", record.appliedEpoch,
		"cycle_id", message.CycleID,
	)
	ack := ackFor(message, record, schema.AckEpochMismatch)
	ack.Error = err.Error()
	return ack, err
}

func (a *Agent) stage(ctx context.Context, sealed *envelope.Envelope, message *schema.ControlMessage) (*schema.Ack, error) {
	record := a.tunnel(message.Tunnel)
	record.mutex.Lock()
	defer record.mutex.Unlock()

	if message.Epoch <= record.appliedEpoch {
		return a.mismatch(ctx, sealed, message, record,
			fmt.Sprintf("stage epoch %d is not newer than applied epoch %d", message.Epoch, record.appliedEpoch))
	}
	if err := a.admit(ctx, sealed); err != nil {
		return nil, err
	}

	fingerprint := keymix.Fingerprint(message.Key)
	if message.KeyFingerprint != "" && message.KeyFingerprint != fingerprint {
		record.state = schema.AgentFailed
		record.lastError = "staged key does not match its fingerprint"
		a.logger.Error("staged key fingerprint mismatch",
			"tunnel_id", message.Tunnel,
			"epoch", message.Epoch,
			"key_fingerprint", message.KeyFingerprint,
		)
		ack := ackFor(message, record, schema.AckFailed)
		ack.Error = record.lastError
		return ack, nil
	}

	if record.staged != nil {
		a.logger.Info("replacing staged key",
			"tunnel_id", message.Tunnel,
			"staged_epoch", record.staged.epoch,
			"epoch", message.Epoch,
		)
		record.staged.discard()
		record.staged = nil
	}

	key, err := secret.NewFromBytes(message.Key)
	if err != nil {
		record.state = schema.AgentFailed
		record.lastError = "protecting staged key: " + err.Error()
		ack := ackFor(message, record, schema.AckFailed)
		ack.Error = record.lastError
		return ack, nil
	}

	staged := &stagedKey{
		epoch:       message.Epoch,
		cycleID:     message.CycleID,
		key:         key,
		fingerprint: fingerprint,
		ikeName:     message.IKEName,
		childName:   message.ChildName,
		owners:      append([]string(nil), message.Owners...),
		initiator:   message.Initiator,
	}
	staged.expiry = a.clock.AfterFunc(a.stageTTL, func() { a.expire(record, staged) })
	record.staged = staged
	record.state = schema.AgentAwaitingKey
	record.ikeName = message.IKEName
	record.lastError = ""

	a.logger.Info("key staged",
		"tunnel_id", message.Tunnel,
		"epoch", message.Epoch,
		"cycle_id", message.CycleID,
		"key_context", message.KeyContext,
		"key_fingerprint", fingerprint,
	)
	ack := ackFor(message, record, schema.AckStaged)
	ack.KeyFingerprint = fingerprint
	return ack, nil
}

// expire discards a staged key that was never committed.
func (a *Agent) expire(record *tunnel, staged *stagedKey) {
	record.mutex.Lock()
	defer record.mutex.Unlock()
	if record.staged != staged {
		return
	}
	staged.key.Close()
	record.staged = nil
	record.state = schema.AgentIdle
	a.logger.Warn("staged key expired without commit",
		"tunnel_id", record.id,
		"epoch", staged.epoch,
		"cycle_id", staged.cycleID,
		"stage_ttl", a.stageTTL,
	)
}

func (a *Agent) commit(ctx context.Context, sealed *envelope.Envelope, message *schema.ControlMessage) (*schema.Ack, error) {
	record := a.tunnel(message.Tunnel)
	record.mutex.Lock()
	defer record.mutex.Unlock()

	staged := record.staged
	switch {
	case message.Epoch <= record.appliedEpoch:
		return a.mismatch(ctx, sealed, message, record,
			fmt.Sprintf("commit epoch %d is not newer than applied epoch %d", message.Epoch, record.appliedEpoch))
	case staged == nil:
		return a.mismatch(ctx, sealed, message, record,
			fmt.Sprintf("commit epoch %d has no staged key", message.Epoch))
	case staged.epoch != message.Epoch:
		return a.mismatch(ctx, sealed, message, record,
			fmt.Sprintf("commit epoch %d does not match staged epoch %d", message.Epoch, staged.epoch))
	}
	if err := a.admit(ctx, sealed); err != nil {
		return nil, err
	}

	record.staged = nil
	staged.expiry.Stop()
	record.state = schema.AgentApplying

	err := a.apply(ctx, record.id, staged)
	staged.key.Close()
	if err != nil {
		record.state = schema.AgentFailed
		record.lastError = err.Error()
		a.logger.Error("applying key failed",
			"tunnel_id", message.Tunnel,
			"epoch", message.Epoch,
			"cycle_id", message.CycleID,
			"key_fingerprint", staged.fingerprint,
			"error", err,
		)
		ack := ackFor(message, record, schema.AckFailed)
		ack.Error = err.Error()
		return ack, nil
	}

	record.appliedEpoch = message.Epoch
	record.state = schema.AgentConfirmed
	record.lastError = ""
	if err := a.recordTunnel(record); err != nil {
		a.logger.Error("persisting applied epoch failed",
			"tunnel_id", message.Tunnel,
			"epoch", message.Epoch,
			"error", err,
		)
	}

	a.logger.Info("key applied",
		"tunnel_id", message.Tunnel,
		"epoch", message.Epoch,
		"cycle_id", message.CycleID,
		"key_fingerprint", staged.fingerprint,
		"initiator", staged.initiator,
	)
	ack := ackFor(message, record, schema.AckConfirmed)
	ack.KeyFingerprint = staged.fingerprint
	return ack, nil
}

// apply pushes a committed key into the daemon: load-shared with the
// peer's identities as owners, then on the initiator a rekey of the
// child SA. The caller holds the tunnel's mutex.
func (a *Agent) apply(ctx context.Context, tunnelID string, staged *stagedKey) error {
	if err := a.controller.LoadSharedKey(ctx, ipsec.SharedKey{
		ID:     SharedKeyID(tunnelID),
		Owners: staged.owners,
		Key:    staged.key,
	}); err != nil {
		return err
	}
	if !staged.initiator {
		return nil
	}
	return a.controller.RekeyChild(ctx, staged.childName)
}

func (a *Agent) abort(ctx context.Context, sealed *envelope.Envelope, message *schema.ControlMessage) (*schema.Ack, error) {
	record := a.tunnel(message.Tunnel)
	record.mutex.Lock()
	defer record.mutex.Unlock()

	if err := a.admit(ctx, sealed); err != nil {
		return nil, err
	}
	if record.staged != nil && record.staged.epoch == message.Epoch {
		record.staged.discard()
		record.staged = nil
		record.state = schema.AgentIdle
		a.logger.Info("staged key aborted",
			"tunnel_id", message.Tunnel,
			"epoch", message.Epoch,
			"cycle_id", message.CycleID,
		)
	}
	return ackFor(message, record, schema.AckAborted), nil
}

func (a *Agent) terminate(ctx context.Context, sealed *envelope.Envelope, message *schema.ControlMessage) (*schema.Ack, error) {
	record := a.tunnel(message.Tunnel)
	record.mutex.Lock()
	defer record.mutex.Unlock()

	if err := a.admit(ctx, sealed); err != nil {
		return nil, err
	}
	if record.ikeName == "" {
		record.ikeName = message.IKEName
	}
	if err := a.controller.Terminate(ctx, message.IKEName); err != nil {
		a.logger.Error("terminating IKE SA failed",
			"tunnel_id", message.Tunnel,
			"ike_name", message.IKEName,
			"error", err,
		)
		ack := ackFor(message, record, schema.AckFailed)
		ack.Error = err.Error()
		return ack, nil
	}
	a.logger.Warn("IKE SA terminated on request",
		"tunnel_id", message.Tunnel,
		"ike_name", message.IKEName,
	)
	return ackFor(message, record, schema.AckTerminated), nil
}

func (a *Agent) status(ctx context.Context, sealed *envelope.Envelope, message *schema.ControlMessage) (*schema.Ack, error) {
	if err := a.admit(ctx, sealed); err != nil {
		return nil, err
	}

	for _, probe := range message.Probes {
		record := a.tunnel(probe.Tunnel)
		record.mutex.Lock()
		if record.ikeName == "" {
			record.ikeName = probe.IKEName
		}
		record.mutex.Unlock()
	}

	report := &schema.StatusReport{Node: a.identity.ID()}
	for _, id := range a.tunnelIDs() {
		report.Tunnels = append(report.Tunnels, a.reportTunnel(ctx, a.tunnel(id)))
	}
	return &schema.Ack{
		Op:      schema.OpStatus,
		CycleID: message.CycleID,
		Result:  schema.AckStatus,
		Status:  report,
	}, nil
}

// reportTunnel snapshots one tunnel and asks the daemon for its SA
// state.
func (a *Agent) reportTunnel(ctx context.Context, record *tunnel) schema.TunnelReport {
	record.mutex.Lock()
	defer record.mutex.Unlock()

	report := schema.TunnelReport{
		Tunnel:       record.id,
		IKEName:      record.ikeName,
		State:        record.state,
		AppliedEpoch: record.appliedEpoch,
		Error:        record.lastError,
	}
	if record.staged != nil {
		report.StagedEpoch = record.staged.epoch
	}
	if record.ikeName == "" {
		report.SAState = schema.TunnelDown
		return report
	}
	saState, err := a.controller.SAState(ctx, record.ikeName)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.SAState = saState
	return report
}

// sealAck allocates the ack's sequence number, persists the counter,
// and seals the ack to the orchestrator.
func (a *Agent) sealAck(ack *schema.Ack) ([]byte, error) {
	plaintext, err := codec.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: encoding ack: %w", err)
	}
	header := envelope.Header{
		Sender:    a.identity.ID(),
		Recipient: a.orchestrator.ID,
		Sequence:  a.sequencer.Next(a.orchestrator.ID),
	}
	if err := a.persist(); err != nil {
		// A lost counter write is covered by RestartGap.
		a.logger.Error("persisting agent state failed", "error", err)
	}
	sealed, err := a.codec.Seal(header, plaintext, a.identity, a.orchestrator)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: sealing ack: %w", err)
	}
	data, err := envelope.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: encoding ack envelope: %w", err)
	}
	return data, nil
}
