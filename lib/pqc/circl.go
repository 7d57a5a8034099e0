// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pqc

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/sign"
)

type circlKEM struct {
	name   string
	scheme kem.Scheme
}

func (k circlKEM) Name() string          { return k.name }
func (k circlKEM) PublicKeySize() int    { return k.scheme.PublicKeySize() }
func (k circlKEM) PrivateKeySize() int   { return k.scheme.PrivateKeySize() }
func (k circlKEM) CiphertextSize() int   { return k.scheme.CiphertextSize() }
func (k circlKEM) SharedSecretSize() int { return k.scheme.SharedKeySize() }

func (k circlKEM) GenerateKeyPair() ([]byte, []byte, error) {
	publicKey, privateKey, err := k.scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s keypair: %w", k.name, err)
	}
	publicBytes, err := publicKey.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s public key: %w", k.name, err)
	}
	privateBytes, err := privateKey.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s private key: %w", k.name, err)
	}
	return publicBytes, privateBytes, nil
}

func (k circlKEM) Encapsulate(publicKey []byte) ([]byte, []byte, error) {
	if len(publicKey) != k.scheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("pqc: %s public key is %d bytes, want %d", k.name, len(publicKey), k.scheme.PublicKeySize())
	}
	parsed, err := k.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s public key: %w", k.name, err)
	}
	ciphertext, sharedSecret, err := k.scheme.Encapsulate(parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s encapsulate: %w", k.name, err)
	}
	return ciphertext, sharedSecret, nil
}

func (k circlKEM) Decapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != k.scheme.CiphertextSize() {
		return nil, fmt.Errorf("pqc: %s ciphertext is %d bytes, want %d", k.name, len(ciphertext), k.scheme.CiphertextSize())
	}
	parsed, err := k.scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("pqc: %s private key: %w", k.name, err)
	}
	sharedSecret, err := k.scheme.Decapsulate(parsed, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("pqc: %s decapsulate: %w", k.name, err)
	}
	return sharedSecret, nil
}

type circlSignature struct {
	name   string
	scheme sign.Scheme
}

func (s circlSignature) Name() string        { return s.name }
func (s circlSignature) PublicKeySize() int  { return s.scheme.PublicKeySize() }
func (s circlSignature) PrivateKeySize() int { return s.scheme.PrivateKeySize() }
func (s circlSignature) SignatureSize() int  { return s.scheme.SignatureSize() }

func (s circlSignature) GenerateKeyPair() ([]byte, []byte, error) {
	publicKey, privateKey, err := s.scheme.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s keypair: %w", s.name, err)
	}
	publicBytes, err := publicKey.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s public key: %w", s.name, err)
	}
	privateBytes, err := privateKey.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("pqc: %s private key: %w", s.name, err)
	}
	return publicBytes, privateBytes, nil
}

func (s circlSignature) Sign(privateKey, message []byte) ([]byte, error) {
	parsed, err := s.scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("pqc: %s private key: %w", s.name, err)
	}
	return s.scheme.Sign(parsed, message, nil), nil
}

func (s circlSignature) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != s.scheme.PublicKeySize() || len(signature) != s.scheme.SignatureSize() {
		return false
	}
	parsed, err := s.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return s.scheme.Verify(parsed, message, signature, nil)
}
