// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keymix derives IPsec session keys from two independent
// secrets: a post-quantum KEM shared secret and a QKD key block.
//
// The derivation is HKDF-SHA256 (RFC 5869) extract-then-expand over
// the concatenation pqc || qkd, with a fixed salt and an info string
// that binds the output to its tunnel and key epoch. The output is
// exactly 256 bits and is deterministic: the same two secrets and the
// same context always produce the same key. An attacker has to break
// both the KEM and the QKD link to learn it.
//
// A key is never derived from one source. Derive fails with
// ErrIncompleteKeyMaterial unless both secrets are present; the
// PQC-only path (DeriveDegraded) is separate, uses its own label, and
// is only reachable through an explicit operator opt-in upstream.
package keymix

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/keywarden/lib/secret"
)

// KeySize is the derived session key length in bytes.
const KeySize = 32

// DefaultQKDKeySize is the QKD key block length in bytes when the
// configuration does not say otherwise.
const DefaultQKDKeySize = 32

// Errors.
var (
	// ErrInvalidInputLength means a secret is present but does not
	// have its algorithm's fixed length.
	ErrInvalidInputLength = errors.New("keymix: invalid input length")

	// ErrIncompleteKeyMaterial means one of the two secrets is
	// missing.
	ErrIncompleteKeyMaterial = errors.New("keymix: incomplete key material")
)

// HKDF parameters. Changing any of these changes every derived key.
var (
	mixSalt          = []byte("keywarden.mix.v1")
	sessionLabel     = "keywarden.session.v1|"
	degradedLabel    = "keywarden.session.degraded.v1|"
	fingerprintLabel = []byte("keywarden.key-fingerprint.v1")
)

// Source identifies the kind of secret a KeyMaterial holds.
type Source int

const (
	SourcePQC Source = iota + 1
	SourceQKD
	SourceDerived
)

func (s Source) String() string {
	switch s {
	case SourcePQC:
		return "pqc"
	case SourceQKD:
		return "qkd"
	case SourceDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// KeyMaterial is implemented by PQCSecret, QKDSecret and SessionKey.
type KeyMaterial interface {
	Source() Source
	// SourceID identifies where the material came from, for audit.
	SourceID() string
	Close() error
}

// PQCSecret is a KEM shared secret. ID names the algorithm and the
// encapsulation it came from.
type PQCSecret struct {
	ID     string
	Secret *secret.Buffer
}

func (p PQCSecret) Source() Source   { return SourcePQC }
func (p PQCSecret) SourceID() string { return p.ID }

// Close zeroes the secret.
func (p PQCSecret) Close() error {
	if p.Secret == nil {
		return nil
	}
	return p.Secret.Close()
}

// QKDSecret is a key block from a QKD key manager. ID is the manager's
// key_ID.
type QKDSecret struct {
	ID     string
	Secret *secret.Buffer
}

func (q QKDSecret) Source() Source   { return SourceQKD }
func (q QKDSecret) SourceID() string { return q.ID }

// Close zeroes the secret.
func (q QKDSecret) Close() error {
	if q.Secret == nil {
		return nil
	}
	return q.Secret.Close()
}

// Mode records which derivation produced a SessionKey.
type Mode string

const (
	// ModeHybrid is PQC and QKD mixed; the only normal mode.
	ModeHybrid Mode = "hybrid"
	// ModeDegraded is PQC only, produced under explicit opt-in.
	ModeDegraded Mode = "pqc-only"
)

// SessionKey is a derived 256-bit key plus the identifiers of its
// inputs. The identifiers are for audit only; they cannot be used to
// re-derive the key.
type SessionKey struct {
	Key      *secret.Buffer
	PQCID    string
	QKDID    string
	Context  Context
	Mode     Mode
	Identity string
}

func (k *SessionKey) Source() Source   { return SourceDerived }
func (k *SessionKey) SourceID() string { return k.Identity }

// Close zeroes the key.
func (k *SessionKey) Close() error { return k.Key.Close() }

// Context binds a derived key to one tunnel and one epoch.
type Context struct {
	TunnelID string
	Epoch    uint64
}

// String renders the context as used in the HKDF info, for example
// "tunnel-7|epoch-1".
func (c Context) String() string {
	return c.TunnelID + "|epoch-" + strconv.FormatUint(c.Epoch, 10)
}

// ParseContext is the inverse of Context.String.
func ParseContext(text string) (Context, error) {
	separator := strings.LastIndex(text, "|epoch-")
	if separator <= 0 {
		return Context{}, fmt.Errorf("keymix: malformed context %q", text)
	}
	epoch, err := strconv.ParseUint(text[separator+len("|epoch-"):], 10, 64)
	if err != nil {
		return Context{}, fmt.Errorf("keymix: malformed epoch in context %q: %w", text, err)
	}
	return Context{TunnelID: text[:separator], Epoch: epoch}, nil
}

// Mixer holds the fixed input lengths the derivation enforces.
type Mixer struct {
	// PQCSize is the KEM shared secret length.
	PQCSize int
	// QKDSize is the QKD key block length.
	QKDSize int
}

// NewMixer returns a Mixer for the given input lengths.
func NewMixer(pqcSize, qkdSize int) (*Mixer, error) {
	if pqcSize <= 0 || qkdSize <= 0 {
		return nil, fmt.Errorf("%w: sizes must be positive (pqc=%d, qkd=%d)", ErrInvalidInputLength, pqcSize, qkdSize)
	}
	return &Mixer{PQCSize: pqcSize, QKDSize: qkdSize}, nil
}

// Derive mixes the two secrets into a session key bound to context.
// The inputs are borrowed; the caller still closes them.
func (m *Mixer) Derive(pqc PQCSecret, qkd QKDSecret, context Context) (*SessionKey, error) {
	pqcBytes, err := m.checked(pqc.Secret, m.PQCSize, "pqc")
	if err != nil {
		return nil, err
	}
	qkdBytes, err := m.checked(qkd.Secret, m.QKDSize, "qkd")
	if err != nil {
		return nil, err
	}
	if context.TunnelID == "" {
		return nil, fmt.Errorf("%w: context has no tunnel", ErrInvalidInputLength)
	}

	inputKeyMaterial := make([]byte, 0, len(pqcBytes)+len(qkdBytes))
	inputKeyMaterial = append(inputKeyMaterial, pqcBytes...)
	inputKeyMaterial = append(inputKeyMaterial, qkdBytes...)
	defer secret.Zero(inputKeyMaterial)

	key, err := expand(inputKeyMaterial, sessionLabel+context.String())
	if err != nil {
		return nil, err
	}
	return &SessionKey{
		Key:      key,
		PQCID:    pqc.ID,
		QKDID:    qkd.ID,
		Context:  context,
		Mode:     ModeHybrid,
		Identity: Fingerprint(key.Bytes()),
	}, nil
}

// DeriveDegraded derives a key from the PQC secret alone under a label
// distinct from Derive, so a degraded key can never equal a hybrid one.
// Callers reach this only when an operator has enabled PQC-only
// fallback.
func (m *Mixer) DeriveDegraded(pqc PQCSecret, context Context) (*SessionKey, error) {
	pqcBytes, err := m.checked(pqc.Secret, m.PQCSize, "pqc")
	if err != nil {
		return nil, err
	}
	if context.TunnelID == "" {
		return nil, fmt.Errorf("%w: context has no tunnel", ErrInvalidInputLength)
	}

	key, err := expand(pqcBytes, degradedLabel+context.String())
	if err != nil {
		return nil, err
	}
	return &SessionKey{
		Key:      key,
		PQCID:    pqc.ID,
		Context:  context,
		Mode:     ModeDegraded,
		Identity: Fingerprint(key.Bytes()),
	}, nil
}

func (m *Mixer) checked(buffer *secret.Buffer, want int, name string) ([]byte, error) {
	if buffer == nil || buffer.Closed() || buffer.Len() == 0 {
		return nil, fmt.Errorf("%w: %s secret missing", ErrIncompleteKeyMaterial, name)
	}
	if buffer.Len() != want {
		return nil, fmt.Errorf("%w: %s secret is %d bytes, want %d", ErrInvalidInputLength, name, buffer.Len(), want)
	}
	return buffer.Bytes(), nil
}

func expand(inputKeyMaterial []byte, info string) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, mixSalt, []byte(info))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("keymix: HKDF expand: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// Fingerprint returns a short one-way identifier for key material,
// safe to log: the first 8 bytes of a domain-separated BLAKE3 hash.
func Fingerprint(key []byte) string {
	hasher := blake3.New()
	hasher.Write(fingerprintLabel)
	hasher.Write(key)
	return hex.EncodeToString(hasher.Sum(nil)[:8])
}
