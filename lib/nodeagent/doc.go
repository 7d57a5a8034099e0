// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodeagent implements the per-endpoint key agent.
//
// The agent accepts control envelopes from exactly one orchestrator
// identity. Every envelope is checked in a fixed order: signature,
// timestamp skew, decryption, control message validation, the
// tunnel's epoch rule, and finally replay admission. Only an envelope
// that passes all of them changes state or reaches the IPsec daemon.
//
// Keys are delivered in two phases. A stage message hands the agent a
// session key, which it holds in a protected buffer for at most the
// stage TTL. A commit message for the same epoch pushes the key into
// the daemon (load-shared, then on the initiator a child SA rekey)
// and records the epoch as applied. Stage and commit for an epoch not
// newer than the applied one are answered with an epoch_mismatch ack
// and never touch the daemon, so a captured envelope cannot roll a
// tunnel back to an older key.
//
// Applied epochs, replay high-water marks, and outbound sequence
// counters persist in a CBOR state file (see lib/statefile) written
// after every admitted envelope.
package nodeagent
