// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"

	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

// PQCGenerator produces the post-quantum half of each session key.
type PQCGenerator interface {
	// SecretSize is the length of every generated secret.
	SecretSize() int

	// Generate returns a fresh shared secret. The caller closes it.
	Generate() (keymix.PQCSecret, error)
}

// KEMGenerator generates a fresh keypair per cycle and encapsulates to
// it. The secret's ID is the algorithm name and the ciphertext
// fingerprint.
type KEMGenerator struct {
	kem pqc.KEM
}

// NewKEMGenerator returns a generator over kem.
func NewKEMGenerator(kem pqc.KEM) *KEMGenerator {
	return &KEMGenerator{kem: kem}
}

// SecretSize implements PQCGenerator.
func (g *KEMGenerator) SecretSize() int { return g.kem.SharedSecretSize() }

// Generate implements PQCGenerator.
func (g *KEMGenerator) Generate() (keymix.PQCSecret, error) {
	publicKey, privateKey, err := g.kem.GenerateKeyPair()
	if err != nil {
		return keymix.PQCSecret{}, fmt.Errorf("orchestrator: %s keypair: %w", g.kem.Name(), err)
	}
	secret.Zero(privateKey)

	ciphertext, shared, err := g.kem.Encapsulate(publicKey)
	if err != nil {
		return keymix.PQCSecret{}, fmt.Errorf("orchestrator: %s encapsulate: %w", g.kem.Name(), err)
	}
	buffer, err := secret.NewFromBytes(shared)
	if err != nil {
		return keymix.PQCSecret{}, fmt.Errorf("orchestrator: protecting PQC secret: %w", err)
	}
	return keymix.PQCSecret{
		ID:     g.kem.Name() + ":" + keymix.Fingerprint(ciphertext),
		Secret: buffer,
	}, nil
}
