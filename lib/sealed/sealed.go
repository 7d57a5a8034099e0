// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/keywarden/lib/secret"
)

// scryptWorkFactor is the log2 scrypt cost for passphrase sealing.
// Tests lower it.
var scryptWorkFactor = 18

// Keypair holds an age X25519 keypair. The private key is stored in a
// secret.Buffer; the public key is safe to publish.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... string. Never log it
	// or pass it on a command line.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient string.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating age keypair: %w", err)
	}

	// The identity's String is a heap string that the GC will collect;
	// the mmap buffer is the durable copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Encrypt seals plaintext to one or more age public keys. The result
// is ASCII-armored.
func Encrypt(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("sealed: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return encrypt(plaintext, recipients...)
}

// EncryptWithPassphrase seals plaintext under an scrypt-derived key.
// The passphrase is borrowed.
func EncryptWithPassphrase(plaintext []byte, passphrase *secret.Buffer) ([]byte, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, errors.New("sealed: empty passphrase")
	}
	recipient, err := age.NewScryptRecipient(string(passphrase.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)
	return encrypt(plaintext, recipient)
}

func encrypt(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// Decrypt opens ciphertext (armored or binary) with an age X25519
// private key. The key is borrowed. The caller closes the returned
// buffer.
func Decrypt(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(string(bytes.TrimSpace(privateKey.Bytes())))
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}
	return decrypt(ciphertext, identity)
}

// DecryptWithPassphrase opens ciphertext sealed by
// EncryptWithPassphrase.
func DecryptWithPassphrase(ciphertext []byte, passphrase *secret.Buffer) (*secret.Buffer, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, errors.New("sealed: empty passphrase")
	}
	identity, err := age.NewScryptIdentity(string(passphrase.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt identity: %w", err)
	}
	return decrypt(ciphertext, identity)
}

func decrypt(ciphertext []byte, identity age.Identity) (*secret.Buffer, error) {
	var source io.Reader = bytes.NewReader(ciphertext)
	buffered := bufio.NewReader(source)
	if start, _ := buffered.Peek(len(armor.Header)); string(start) == armor.Header {
		source = armor.NewReader(buffered)
	} else {
		source = buffered
	}

	reader, err := age.Decrypt(source, identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed: empty plaintext")
	}
	// NewFromBytes zeroes the heap copy.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// ParsePublicKey validates an age public key string.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("sealed: invalid age public key: %w", err)
	}
	return nil
}

// PublicKeyOf returns the recipient string for a private key.
func PublicKeyOf(privateKey *secret.Buffer) (string, error) {
	identity, err := age.ParseX25519Identity(string(bytes.TrimSpace(privateKey.Bytes())))
	if err != nil {
		return "", fmt.Errorf("sealed: invalid age private key: %w", err)
	}
	return identity.Recipient().String(), nil
}
