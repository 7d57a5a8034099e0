// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// TunnelInfo is one row of the orchestrator's "list-tunnels" response.
type TunnelInfo struct {
	State   TunnelState `cbor:"state"`
	IKEName string      `cbor:"ike_name"`

	// Mode is the derivation mode of the current key: "hybrid" or
	// "pqc-only".
	Mode string `cbor:"mode,omitempty"`

	KeyFingerprint string `cbor:"key_fingerprint,omitempty"`
	LastRekey      int64  `cbor:"last_rekey,omitempty"` // Unix seconds
	NextRekey      int64  `cbor:"next_rekey,omitempty"` // Unix seconds
	Failures       int    `cbor:"failures,omitempty"`
	LastError      string `cbor:"last_error,omitempty"`
}

// ListTunnelsResponse is the "list-tunnels" response.
type ListTunnelsResponse struct {
	Tunnels []TunnelInfo `cbor:"tunnels"`
}

// Metrics is the orchestrator's "metrics" response: counters since
// start and the timings of the most recent cycle per tunnel.
type Metrics struct {
	CyclesStarted   uint64 `cbor:"cycles_started"`
	CyclesSucceeded uint64 `cbor:"cycles_succeeded"`
	CyclesFailed    uint64 `cbor:"cycles_failed"`
	CyclesDegraded  uint64 `cbor:"cycles_degraded"`
	QKDUnavailable  uint64 `cbor:"qkd_unavailable"`
	EnvelopesSent   uint64 `cbor:"envelopes_sent"`
	AcksRejected    uint64 `cbor:"acks_rejected"`

	// QKDAvailable is the key count last reported by the key manager's
	// status endpoint, or -1 if unknown.
	QKDAvailable int `cbor:"qkd_available"`

	LastCycles []CycleTiming `cbor:"last_cycles"`
}

// CycleTiming records the phases of one rekey cycle in milliseconds.
type CycleTiming struct {
	CycleID    string  `cbor:"cycle_id"`
	Tunnel     string  `cbor:"tunnel"`
	Epoch      uint64  `cbor:"epoch"`
	Mode       string  `cbor:"mode"`
	Result     string  `cbor:"result"`
	QKDFetchMS float64 `cbor:"qkd_fetch_ms"`
	PQCGenMS   float64 `cbor:"pqc_gen_ms"`
	MixMS      float64 `cbor:"mix_ms"`
	DispatchMS float64 `cbor:"dispatch_ms"`
	EndToEndMS float64 `cbor:"e2e_ms"`
	Finished   int64   `cbor:"finished"` // Unix seconds
}

// TunnelRequest names one tunnel for the "rekey", "deregister-tunnel"
// and "terminate" actions.
type TunnelRequest struct {
	Tunnel string `cbor:"tunnel"`
}

// NodeRequest names one agent for the "deregister-node" action.
type NodeRequest struct {
	Node string `cbor:"node"`
}

// RegisterTunnelRequest is the "register-tunnel" request.
type RegisterTunnelRequest struct {
	Spec TunnelSpec `cbor:"spec"`
}

// TunnelResponse carries one tunnel's row after an admin action.
type TunnelResponse struct {
	Tunnel TunnelInfo `cbor:"tunnel"`
}
