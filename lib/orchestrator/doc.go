// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs the central side of the key-management
// plane. For every registered tunnel it fetches a QKD key block,
// generates a fresh PQC shared secret, mixes the two into a session
// key, and installs the key on both endpoint agents with a two-phase
// stage/commit exchange over signed, encrypted envelopes.
//
// Each tunnel has its own loop goroutine; the loops share only the
// [Registry]. A cycle succeeds only when both agents confirm the
// commit. Any other outcome leaves the epoch unchanged, marks the
// tunnel failed, aborts staged keys where it can, and schedules a
// retry with exponential backoff. An agent reporting a newer applied
// epoch than the orchestrator's triggers an immediate cycle at one
// past the reported epoch.
//
// A poller exchanges status envelopes with every agent on a fixed
// interval. The reports gate the first key (both daemons must have
// negotiated the tunnel), trigger out-of-cycle rekeys for tunnels the
// daemons report down, and feed reconciliation.
//
// Tunnel epochs, replay high-water marks and outbound sequence
// counters persist in SQLite through [Store]; the process can restart
// without reusing a sequence number or accepting a replayed ack.
//
// Operators drive the orchestrator through the admin actions served
// by [Orchestrator.RegisterActions].
package orchestrator
