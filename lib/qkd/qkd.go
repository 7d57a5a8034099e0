// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package qkd fetches key blocks from a quantum key distribution key
// manager (KME).
//
// [Source] is the capability the orchestrator depends on. Two
// backends implement it:
//
//   - [ETSIClient] speaks ETSI GS QKD 014 ("enc_keys" and "status")
//     over mutually authenticated TLS
//   - [Static] hands out a fixed key block, for tests and labs
//
// Every transport failure and every 5xx response maps to
// [ErrUnavailable], which the orchestrator treats as "defer and retry"
// rather than as a rekey failure.
package qkd

import (
	"context"
	"errors"

	"github.com/bureau-foundation/keywarden/lib/secret"
)

// ErrUnavailable means the key manager could not supply a key right
// now: unreachable, overloaded, or out of key material.
var ErrUnavailable = errors.New("qkd: key manager unavailable")

// Request asks for one key block shared with a peer SAE.
type Request struct {
	// PeerSAE is the secure application entity on the other side
	// of the QKD link (the ETSI "slave SAE").
	PeerSAE string

	// Size is the key block length in bytes.
	Size int
}

// Key is one key block. The caller owns Secret and must close it.
type Key struct {
	// ID is the key manager's key_ID. Logged for audit; it lets the
	// peer's key manager return the same block.
	ID     string
	Secret *secret.Buffer
}

// Status is the key manager's view of the link to one peer.
type Status struct {
	SourceKME      string
	TargetKME      string
	KeySize        int // bits
	StoredKeyCount int
	MaxKeyCount    int
}

// Source supplies QKD key blocks.
type Source interface {
	// FetchKey returns a fresh key block of request.Size bytes.
	FetchKey(ctx context.Context, request Request) (Key, error)

	// Status reports key availability on the link to peerSAE.
	Status(ctx context.Context, peerSAE string) (Status, error)
}
