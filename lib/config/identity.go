// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/sealed"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

// Opener returns the function that unseals the identity file, reading
// the machine key or passphrase once. The caller closes the returned
// buffer (the unsealing secret) after use.
func (c *IdentityConfig) Opener() (pqc.OpenFunc, *secret.Buffer, error) {
	if c.MachineKeyFile != "" {
		key, err := secret.ReadFromPath(c.MachineKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading machine key: %w", err)
		}
		return func(ciphertext []byte) (*secret.Buffer, error) {
			return sealed.Decrypt(ciphertext, key)
		}, key, nil
	}
	passphrase, err := secret.ReadFromPath(c.PassphraseFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return func(ciphertext []byte) (*secret.Buffer, error) {
		return sealed.DecryptWithPassphrase(ciphertext, passphrase)
	}, passphrase, nil
}

// LoadIdentity unseals and returns the node identity. The caller
// closes it.
func (c *IdentityConfig) LoadIdentity() (*pqc.Identity, error) {
	open, unsealer, err := c.Opener()
	if err != nil {
		return nil, err
	}
	defer unsealer.Close()
	return pqc.ReadIdentityFile(c.PrivateFile, open)
}
