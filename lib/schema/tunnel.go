// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
)

// TunnelStatus is the lifecycle state of a tunnel, as tracked by the
// orchestrator and as reported for a local SA by an agent's daemon.
type TunnelStatus string

const (
	TunnelDown        TunnelStatus = "down"
	TunnelNegotiating TunnelStatus = "negotiating"
	TunnelEstablished TunnelStatus = "established"
	TunnelRekeying    TunnelStatus = "rekeying"
	TunnelFailed      TunnelStatus = "failed"
)

// IsKnown reports whether s is one of the defined statuses.
func (s TunnelStatus) IsKnown() bool {
	switch s {
	case TunnelDown, TunnelNegotiating, TunnelEstablished, TunnelRekeying, TunnelFailed:
		return true
	}
	return false
}

// AgentState is an agent's per-tunnel delivery state:
//
//	idle -> awaiting-key -> applying -> confirmed -> idle
//	                                 \-> failed
type AgentState string

const (
	AgentIdle        AgentState = "idle"
	AgentAwaitingKey AgentState = "awaiting-key"
	AgentApplying    AgentState = "applying"
	AgentConfirmed   AgentState = "confirmed"
	AgentFailed      AgentState = "failed"
)

// IsKnown reports whether s is one of the defined states.
func (s AgentState) IsKnown() bool {
	switch s {
	case AgentIdle, AgentAwaitingKey, AgentApplying, AgentConfirmed, AgentFailed:
		return true
	}
	return false
}

// TunnelState is the orchestrator's record of one tunnel. The epoch
// increments exactly once per successful rekey.
type TunnelState struct {
	TunnelID        string       `cbor:"tunnel_id"`
	NodeA           string       `cbor:"node_a"`
	NodeB           string       `cbor:"node_b"`
	Status          TunnelStatus `cbor:"status"`
	CurrentKeyEpoch uint64       `cbor:"current_key_epoch"`
}

// TunnelSpec is what an operator registers: the two endpoints and
// how each endpoint's daemon names the connection.
type TunnelSpec struct {
	TunnelID string `cbor:"tunnel_id" yaml:"id"`

	// NodeA and NodeB are agent node IDs. NodeA is the side whose
	// SAE fetches QKD keys.
	NodeA string `cbor:"node_a" yaml:"node_a"`
	NodeB string `cbor:"node_b" yaml:"node_b"`

	// IKEName and ChildName are the daemon's connection and child
	// SA names. The same names are used on both sides.
	IKEName   string `cbor:"ike_name" yaml:"ike_name"`
	ChildName string `cbor:"child_name" yaml:"child_name"`

	// Initiator is the node that triggers the child SA rekey after
	// loading the key. The other side only loads it.
	Initiator string `cbor:"initiator" yaml:"initiator"`

	// NodeAIKEIdentity and NodeBIKEIdentity are each side's IKE
	// identity. A shared key loaded on node A is owned by node B's
	// identity and vice versa.
	NodeAIKEIdentity string `cbor:"node_a_ike_identity" yaml:"node_a_ike_identity"`
	NodeBIKEIdentity string `cbor:"node_b_ike_identity" yaml:"node_b_ike_identity"`

	// SAEA and SAEB are the QKD secure application entity IDs of
	// the two sides. Empty means the node ID.
	SAEA string `cbor:"sae_a,omitempty" yaml:"sae_a"`
	SAEB string `cbor:"sae_b,omitempty" yaml:"sae_b"`
}

// Validate reports missing or inconsistent tunnel fields.
func (s *TunnelSpec) Validate() error {
	var errs []error
	if s.TunnelID == "" {
		errs = append(errs, errors.New("tunnel: id is required"))
	}
	if s.NodeA == "" || s.NodeB == "" {
		errs = append(errs, fmt.Errorf("tunnel %q: node_a and node_b are required", s.TunnelID))
	} else if s.NodeA == s.NodeB {
		errs = append(errs, fmt.Errorf("tunnel %q: node_a and node_b are both %q", s.TunnelID, s.NodeA))
	}
	if s.IKEName == "" || s.ChildName == "" {
		errs = append(errs, fmt.Errorf("tunnel %q: ike_name and child_name are required", s.TunnelID))
	}
	if s.Initiator != s.NodeA && s.Initiator != s.NodeB {
		errs = append(errs, fmt.Errorf("tunnel %q: initiator %q is neither node_a nor node_b", s.TunnelID, s.Initiator))
	}
	if s.NodeAIKEIdentity == "" || s.NodeBIKEIdentity == "" {
		errs = append(errs, fmt.Errorf("tunnel %q: both IKE identities are required", s.TunnelID))
	}
	return errors.Join(errs...)
}

// Peer returns the node on the other side from node.
func (s *TunnelSpec) Peer(node string) string {
	if node == s.NodeA {
		return s.NodeB
	}
	return s.NodeA
}

// PeerIKEIdentity returns the IKE identity of the node on the other
// side from node: the owner of the shared key loaded on node.
func (s *TunnelSpec) PeerIKEIdentity(node string) string {
	if node == s.NodeA {
		return s.NodeBIKEIdentity
	}
	return s.NodeAIKEIdentity
}

// LocalSAE returns node A's QKD SAE ID.
func (s *TunnelSpec) LocalSAE() string {
	if s.SAEA != "" {
		return s.SAEA
	}
	return s.NodeA
}

// PeerSAE returns node B's QKD SAE ID.
func (s *TunnelSpec) PeerSAE() string {
	if s.SAEB != "" {
		return s.SAEB
	}
	return s.NodeB
}
