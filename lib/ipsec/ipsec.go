// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipsec drives the local IPsec daemon's key state.
//
// [Controller] is the capability a node agent needs: load a shared
// key for a peer, rekey a child SA, terminate an IKE SA and report an
// SA's state. Two backends implement it:
//
//   - [VICI] talks to strongSwan's charon over its VICI socket
//   - [Memory] keeps everything in process, for tests and dry runs
//
// Every daemon-side failure is wrapped in [ErrControlFailure].
package ipsec

import (
	"context"
	"errors"

	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

// ErrControlFailure means the daemon rejected or could not execute a
// command.
var ErrControlFailure = errors.New("ipsec: daemon control failure")

// SharedKey is a pre-shared IKE key to load. Key is borrowed; the
// caller closes it after LoadSharedKey returns.
type SharedKey struct {
	// ID names the key in the daemon so a later load replaces it.
	ID string
	// Owners are the peer IKE identities the key is valid for.
	Owners []string
	Key    *secret.Buffer
}

// Controller is the daemon control interface. Implementations are safe
// for concurrent use; callers still serialize per tunnel.
type Controller interface {
	// LoadSharedKey installs or replaces a shared key.
	LoadSharedKey(ctx context.Context, key SharedKey) error

	// RekeyChild rekeys the named child SA.
	RekeyChild(ctx context.Context, child string) error

	// Terminate tears down the named IKE SA.
	Terminate(ctx context.Context, ike string) error

	// SAState reports the state of the named IKE SA. An SA the
	// daemon does not know is TunnelDown.
	SAState(ctx context.Context, ike string) (schema.TunnelStatus, error)

	Close() error
}
