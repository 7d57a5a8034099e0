// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the wire types shared by the keywarden
// orchestrator, node agents and the operator CLI.
//
// Control messages travel inside sealed envelopes (lib/envelope):
//
//   - [ControlMessage] -- orchestrator to agent: stage, commit,
//     abort, status and terminate operations
//   - [Ack] -- agent to orchestrator: the result of one operation,
//     with a [StatusReport] for status requests
//
// [TunnelState] and [TunnelSpec] describe managed tunnels;
// [TunnelStatus] and [AgentState] are their state enums. The admin
// socket types ([TunnelInfo], [Metrics]) are what `keywarden status`
// and friends decode.
//
// All types use CBOR field names; this package depends on no other
// keywarden packages.
package schema
