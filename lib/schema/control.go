// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/keywarden/lib/keymix"
)

// Operation is the verb of a ControlMessage.
type Operation string

const (
	// OpStage delivers a key for the agent to hold until commit.
	OpStage Operation = "stage"
	// OpCommit authorizes the agent to push the staged key into the
	// daemon.
	OpCommit Operation = "commit"
	// OpAbort discards a staged key.
	OpAbort Operation = "abort"
	// OpStatus asks for a StatusReport.
	OpStatus Operation = "status"
	// OpTerminate asks the daemon to tear down the tunnel's IKE SA.
	OpTerminate Operation = "terminate"
)

// ControlMessage is the plaintext of an orchestrator-to-agent
// envelope. Key is present only for OpStage; holders zero it as soon
// as it is copied into protected memory.
type ControlMessage struct {
	Op      Operation `cbor:"op"`
	CycleID string    `cbor:"cycle_id,omitempty"`
	Tunnel  string    `cbor:"tunnel,omitempty"`
	Epoch   uint64    `cbor:"epoch,omitempty"`

	Key            []byte   `cbor:"key,omitempty"`
	KeyFingerprint string   `cbor:"key_fingerprint,omitempty"`
	// KeyContext is the derivation context the key is bound to, in
	// keymix.Context form. It must name Tunnel and Epoch.
	KeyContext     string   `cbor:"key_context,omitempty"`
	IKEName        string   `cbor:"ike_name,omitempty"`
	ChildName      string   `cbor:"child_name,omitempty"`
	Owners         []string `cbor:"owners,omitempty"`
	Initiator      bool     `cbor:"initiator,omitempty"`

	// Probes names the tunnels an OpStatus request asks about, so an
	// agent can report daemon state for tunnels it has never keyed.
	Probes []TunnelProbe `cbor:"probes,omitempty"`
}

// TunnelProbe identifies one tunnel and its daemon IKE SA name.
type TunnelProbe struct {
	Tunnel  string `cbor:"tunnel"`
	IKEName string `cbor:"ike_name"`
}

// Validate checks the fields each operation requires.
func (m *ControlMessage) Validate() error {
	switch m.Op {
	case OpStatus:
		for _, probe := range m.Probes {
			if probe.Tunnel == "" || probe.IKEName == "" {
				return errors.New("status: probes need tunnel and ike_name")
			}
		}
		return nil
	case OpStage:
		if len(m.Key) == 0 {
			return errors.New("stage: key is required")
		}
		if len(m.Key) != keymix.KeySize {
			return fmt.Errorf("stage: key is %d bytes, want %d", len(m.Key), keymix.KeySize)
		}
		context, err := keymix.ParseContext(m.KeyContext)
		if err != nil {
			return fmt.Errorf("stage: %w", err)
		}
		if context.TunnelID != m.Tunnel || context.Epoch != m.Epoch {
			return fmt.Errorf("stage: key context %q does not match tunnel %q epoch %d", m.KeyContext, m.Tunnel, m.Epoch)
		}
		if m.IKEName == "" || m.ChildName == "" {
			return errors.New("stage: ike_name and child_name are required")
		}
		if len(m.Owners) == 0 {
			return errors.New("stage: owners are required")
		}
	case OpCommit, OpAbort:
	case OpTerminate:
		if m.IKEName == "" {
			return errors.New("terminate: ike_name is required")
		}
	case "":
		return errors.New("control message: op is required")
	default:
		return fmt.Errorf("control message: unknown op %q", m.Op)
	}
	if m.Tunnel == "" {
		return fmt.Errorf("%s: tunnel is required", m.Op)
	}
	if m.Op != OpTerminate && m.Epoch == 0 {
		return fmt.Errorf("%s: epoch is required", m.Op)
	}
	return nil
}

// AckResult is an agent's verdict on one ControlMessage.
type AckResult string

const (
	AckStaged        AckResult = "staged"
	AckConfirmed     AckResult = "confirmed"
	AckAborted       AckResult = "aborted"
	AckStatus        AckResult = "status"
	AckTerminated    AckResult = "terminated"
	AckFailed        AckResult = "failed"
	AckEpochMismatch AckResult = "epoch_mismatch"
)

// Ack is the plaintext of an agent-to-orchestrator envelope.
type Ack struct {
	Op      Operation `cbor:"op"`
	CycleID string    `cbor:"cycle_id,omitempty"`
	Tunnel  string    `cbor:"tunnel,omitempty"`
	Epoch   uint64    `cbor:"epoch,omitempty"`
	Result  AckResult `cbor:"result"`

	// AppliedEpoch is the agent's last-applied epoch for Tunnel,
	// reported on every tunnel ack so the orchestrator can reconcile.
	AppliedEpoch uint64 `cbor:"applied_epoch,omitempty"`

	// KeyFingerprint echoes the staged or applied key's fingerprint.
	KeyFingerprint string `cbor:"key_fingerprint,omitempty"`

	Error  string        `cbor:"error,omitempty"`
	Status *StatusReport `cbor:"status,omitempty"`
}

// OK reports whether the ack is a success result.
func (a *Ack) OK() bool {
	switch a.Result {
	case AckStaged, AckConfirmed, AckAborted, AckStatus, AckTerminated:
		return true
	}
	return false
}

// StatusReport is an agent's view of every tunnel it knows.
type StatusReport struct {
	Node    string         `cbor:"node"`
	Tunnels []TunnelReport `cbor:"tunnels"`
}

// Tunnel returns the report for one tunnel, if present.
func (r *StatusReport) Tunnel(id string) (TunnelReport, bool) {
	for _, tunnel := range r.Tunnels {
		if tunnel.Tunnel == id {
			return tunnel, true
		}
	}
	return TunnelReport{}, false
}

// TunnelReport is one tunnel's entry in a StatusReport.
type TunnelReport struct {
	Tunnel       string       `cbor:"tunnel"`
	IKEName      string       `cbor:"ike_name,omitempty"`
	State        AgentState   `cbor:"state"`
	AppliedEpoch uint64       `cbor:"applied_epoch"`
	StagedEpoch  uint64       `cbor:"staged_epoch,omitempty"`
	SAState      TunnelStatus `cbor:"sa_state"`
	Error        string       `cbor:"error,omitempty"`
}

// DeliverRequest is the body of the agent's "deliver" action.
type DeliverRequest struct {
	Envelope []byte `cbor:"envelope"`
}

// DeliverResponse carries the agent's signed ack envelope.
type DeliverResponse struct {
	Envelope []byte `cbor:"envelope"`
}

// IdentityResponse is the agent's "identity" action response: its
// encoded public identity and fingerprint for enrollment.
type IdentityResponse struct {
	Node        string `cbor:"node"`
	Identity    []byte `cbor:"identity"`
	Fingerprint string `cbor:"fingerprint"`
}
