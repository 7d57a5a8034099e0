// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the request-response transport shared by
// the keywarden binaries.
//
// Every endpoint speaks the same protocol: a client opens a stream
// connection (TCP or Unix socket), writes one CBOR map carrying an
// "action" field plus action-specific fields, and reads one CBOR
// [Response]. The connection then closes. The agent API ("deliver",
// "identity") and the orchestrator admin socket ("list-tunnels",
// "rekey", "metrics", ...) are both built on [SocketServer] and
// called through [ServiceClient].
//
// The transport carries no authentication of its own. Agent traffic
// is authenticated end to end by signed envelopes; the admin socket is
// a Unix socket restricted to its owner.
package service
