// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeagent

import (
	"errors"

	"github.com/bureau-foundation/keywarden/lib/envelope"
	"github.com/bureau-foundation/keywarden/lib/replay"
)

// ErrEpochMismatch means a stage or commit named an epoch the agent
// cannot accept: not newer than the last applied epoch, or (for a
// commit) not the staged epoch.
var ErrEpochMismatch = errors.New("nodeagent: epoch mismatch")

// ErrInvalidMessage means an authenticated envelope carried a control
// message that failed validation.
var ErrInvalidMessage = errors.New("nodeagent: invalid control message")

// Wire codes carried in error responses and acks.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeStaleMessage         = "stale_message"
	CodeDecryptionFailed     = "decryption_failed"
	CodeReplay               = "replay"
	CodeEpochMismatch        = "epoch_mismatch"
	CodeInvalidMessage       = "invalid_message"
	CodeInternal             = "internal"
)

// RejectionError is an envelope the agent refused before touching any
// key. Its Code travels to the caller in the service error response.
type RejectionError struct {
	// Peer is the claimed sender, or empty when the envelope could
	// not be decoded.
	Peer string
	Err  error
}

func (e *RejectionError) Error() string {
	if e.Peer == "" {
		return "envelope rejected: " + e.Err.Error()
	}
	return "envelope from " + e.Peer + " rejected: " + e.Err.Error()
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Code maps the underlying error to its wire code.
func (e *RejectionError) Code() string { return ErrorCode(e.Err) }

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, envelope.ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case errors.Is(err, envelope.ErrStaleMessage):
		return CodeStaleMessage
	case errors.Is(err, envelope.ErrDecryptionFailed):
		return CodeDecryptionFailed
	case errors.Is(err, replay.ErrReplay):
		return CodeReplay
	case errors.Is(err, ErrEpochMismatch):
		return CodeEpochMismatch
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	}
	return CodeInternal
}

// CodeError returns the sentinel for a wire code, so a client can
// test a remote rejection with errors.Is. Unknown codes return nil.
func CodeError(code string) error {
	switch code {
	case CodeAuthenticationFailed:
		return envelope.ErrAuthenticationFailed
	case CodeStaleMessage:
		return envelope.ErrStaleMessage
	case CodeDecryptionFailed:
		return envelope.ErrDecryptionFailed
	case CodeReplay:
		return replay.ErrReplay
	case CodeEpochMismatch:
		return ErrEpochMismatch
	case CodeInvalidMessage:
		return ErrInvalidMessage
	}
	return nil
}
