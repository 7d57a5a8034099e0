// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pqc exposes post-quantum primitives behind capability
// interfaces so the rest of keywarden never names a concrete algorithm.
//
// A KEM provides encapsulate/decapsulate, a SignatureScheme provides
// sign/verify; both report their fixed key and output sizes. Concrete
// schemes are looked up by their standard names (KEMByName,
// SignatureByName) when configuration is loaded. The shipped backends
// are the ML-KEM and ML-DSA parameter sets from cloudflare/circl.
//
// Keys cross the interfaces as byte slices so private keys can live in
// secret.Buffer regions between uses.
package pqc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// Default algorithm names.
const (
	DefaultKEM       = "ML-KEM-768"
	DefaultSignature = "ML-DSA-65"
)

// ErrUnknownAlgorithm is returned for an algorithm name with no backend.
var ErrUnknownAlgorithm = errors.New("pqc: unknown algorithm")

// KEM is a key-encapsulation mechanism.
type KEM interface {
	Name() string
	GenerateKeyPair() (publicKey, privateKey []byte, err error)
	// Encapsulate returns a ciphertext for publicKey and the shared
	// secret it carries. The caller owns and must zero the secret.
	Encapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error)
	Decapsulate(privateKey, ciphertext []byte) (sharedSecret []byte, err error)
	PublicKeySize() int
	PrivateKeySize() int
	CiphertextSize() int
	SharedSecretSize() int
}

// SignatureScheme is a digital signature algorithm.
type SignatureScheme interface {
	Name() string
	GenerateKeyPair() (publicKey, privateKey []byte, err error)
	Sign(privateKey, message []byte) ([]byte, error)
	// Verify reports whether signature is valid for message. Malformed
	// keys and signatures verify as false.
	Verify(publicKey, message, signature []byte) bool
	PublicKeySize() int
	PrivateKeySize() int
	SignatureSize() int
}

var (
	kems = map[string]kem.Scheme{
		"ML-KEM-512":  mlkem512.Scheme(),
		"ML-KEM-768":  mlkem768.Scheme(),
		"ML-KEM-1024": mlkem1024.Scheme(),
	}
	signatures = map[string]sign.Scheme{
		"ML-DSA-44": mldsa44.Scheme(),
		"ML-DSA-65": mldsa65.Scheme(),
		"ML-DSA-87": mldsa87.Scheme(),
	}
)

// KEMByName returns the KEM registered under name.
func KEMByName(name string) (KEM, error) {
	scheme, ok := kems[name]
	if !ok {
		return nil, fmt.Errorf("%w: KEM %q (have %v)", ErrUnknownAlgorithm, name, sortedKeys(kems))
	}
	return circlKEM{name: name, scheme: scheme}, nil
}

// SignatureByName returns the signature scheme registered under name.
func SignatureByName(name string) (SignatureScheme, error) {
	scheme, ok := signatures[name]
	if !ok {
		return nil, fmt.Errorf("%w: signature %q (have %v)", ErrUnknownAlgorithm, name, sortedKeys(signatures))
	}
	return circlSignature{name: name, scheme: scheme}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
