// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pqc

import (
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/keywarden/lib/secret"
)

// SealFunc encrypts a marshaled private identity for storage.
type SealFunc func(plaintext []byte) ([]byte, error)

// OpenFunc reverses a SealFunc. The returned buffer is closed by the
// caller.
type OpenFunc func(ciphertext []byte) (*secret.Buffer, error)

// WritePublicFile writes p to path. Public identities are not secret.
func WritePublicFile(path string, p PublicIdentity) error {
	data, err := p.MarshalPublic()
	if err != nil {
		return fmt.Errorf("pqc: encoding public identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pqc: writing %s: %w", path, err)
	}
	return nil
}

// ReadPublicFile reads and validates a public identity file.
func ReadPublicFile(path string) (PublicIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("pqc: reading %s: %w", path, err)
	}
	identity, err := UnmarshalPublicIdentity(data)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("%s: %w", path, err)
	}
	return identity, nil
}

// WriteIdentityFile seals the full identity and writes it to path with
// owner-only permissions. An existing file is never overwritten.
func WriteIdentityFile(path string, identity *Identity, seal SealFunc) error {
	plaintext, err := identity.MarshalPrivate()
	if err != nil {
		return fmt.Errorf("pqc: encoding identity: %w", err)
	}
	defer secret.Zero(plaintext)

	sealed, err := seal(plaintext)
	if err != nil {
		return fmt.Errorf("pqc: sealing identity: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("pqc: creating %s: %w", path, err)
	}
	if _, err := file.Write(sealed); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("pqc: writing %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("pqc: closing %s: %w", path, err)
	}
	return nil
}

// ReadIdentityFile opens a sealed identity file.
func ReadIdentityFile(path string, open OpenFunc) (*Identity, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pqc: reading %s: %w", path, err)
	}
	if len(sealed) == 0 {
		return nil, fmt.Errorf("pqc: %s is empty", path)
	}
	plaintext, err := open(sealed)
	if err != nil {
		return nil, fmt.Errorf("pqc: unsealing %s: %w", path, err)
	}
	defer plaintext.Close()

	identity, err := UnmarshalIdentity(plaintext.Bytes())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("pqc: %s", path), err)
	}
	return identity, nil
}
