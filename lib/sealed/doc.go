// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts node identity files at rest with age.
//
// An identity file holds a node's long-term ML-KEM and ML-DSA private
// keys, so it is never written in the clear. It is sealed either to an
// age X25519 machine key (for unattended agents) or under an operator
// passphrase (scrypt). The output is ASCII-armored; [Decrypt] and
// [DecryptWithPassphrase] accept armored or binary input.
//
// Key exports:
//
//   - [GenerateKeypair] -- new age X25519 keypair in a secret.Buffer
//   - [Encrypt] / [EncryptWithPassphrase] -- seal plaintext
//   - [Decrypt] / [DecryptWithPassphrase] -- open into a secret.Buffer
//   - [ParsePublicKey] / [PublicKeyOf] -- key validation
//
// Depends on lib/secret for secure memory allocation.
package sealed
