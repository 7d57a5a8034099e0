// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope seals control messages between the orchestrator and
// node agents.
//
// An Envelope carries a sender, a recipient, a per-pair sequence
// number, a timestamp and an encrypted payload, all covered by the
// sender's post-quantum signature. The payload is encrypted to the
// recipient's static KEM key:
//
//	payload = kem_ciphertext || nonce (24 bytes) || xchacha20poly1305(plaintext)
//
// The AEAD key is HKDF-SHA256 over the encapsulated secret with info
// "keywarden.envelope.v1"; the AAD is the canonical encoding of the
// header fields. The signature covers the canonical encoding of the
// domain label, the header fields and the payload.
//
// Open checks, in order: identities and signature
// (ErrAuthenticationFailed), timestamp skew (ErrStaleMessage), then
// decapsulation and AEAD (ErrDecryptionFailed). A payload is never
// decrypted before its signature verifies.
//
// Replay protection is not done here: callers pass the sequence number
// through lib/replay after Open succeeds.
package envelope

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/keywarden/lib/clock"
	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

// Version is the envelope format version. It is signed and
// authenticated as AAD.
const Version = 1

// DefaultMaxSkew is how far an envelope timestamp may be from the
// receiver's clock, in either direction.
const DefaultMaxSkew = 30 * time.Second

var (
	// ErrAuthenticationFailed covers malformed envelopes, identity
	// mismatches and bad signatures.
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")

	// ErrStaleMessage means the signature is good but the timestamp
	// is outside the allowed skew.
	ErrStaleMessage = errors.New("envelope: stale message")

	// ErrDecryptionFailed means the signature is good but the payload
	// cannot be decrypted with the local KEM key.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")
)

var (
	signatureLabel = "keywarden.envelope.signature.v1"
	aadLabel       = "keywarden.envelope.aad.v1"
	hkdfInfo       = []byte("keywarden.envelope.v1")
)

// Header addresses an envelope.
type Header struct {
	Sender    string
	Recipient string
	Sequence  uint64
}

// Envelope is the wire form of a control message.
type Envelope struct {
	Version   uint8  `cbor:"1,keyasint"`
	Sender    string `cbor:"2,keyasint"`
	Recipient string `cbor:"3,keyasint"`
	Sequence  uint64 `cbor:"4,keyasint"`
	// Timestamp is Unix nanoseconds at sealing time.
	Timestamp int64  `cbor:"5,keyasint"`
	Payload   []byte `cbor:"6,keyasint"`
	Signature []byte `cbor:"7,keyasint"`
}

// Header returns the envelope's addressing fields.
func (e *Envelope) Header() Header {
	return Header{Sender: e.Sender, Recipient: e.Recipient, Sequence: e.Sequence}
}

// Time returns the envelope timestamp.
func (e *Envelope) Time() time.Time { return time.Unix(0, e.Timestamp) }

// headerFields is the AAD for payload encryption.
type headerFields struct {
	Label     string `cbor:"1,keyasint"`
	Version   uint8  `cbor:"2,keyasint"`
	Sender    string `cbor:"3,keyasint"`
	Recipient string `cbor:"4,keyasint"`
	Sequence  uint64 `cbor:"5,keyasint"`
	Timestamp int64  `cbor:"6,keyasint"`
}

// signedFields is what the signature covers.
type signedFields struct {
	Label     string `cbor:"1,keyasint"`
	Version   uint8  `cbor:"2,keyasint"`
	Sender    string `cbor:"3,keyasint"`
	Recipient string `cbor:"4,keyasint"`
	Sequence  uint64 `cbor:"5,keyasint"`
	Timestamp int64  `cbor:"6,keyasint"`
	Payload   []byte `cbor:"7,keyasint"`
}

func (e *Envelope) aad() ([]byte, error) {
	return codec.Marshal(headerFields{
		Label:     aadLabel,
		Version:   e.Version,
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
	})
}

func (e *Envelope) signedBytes() ([]byte, error) {
	return codec.Marshal(signedFields{
		Label:     signatureLabel,
		Version:   e.Version,
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	})
}

// Marshal returns the canonical wire encoding of an envelope.
func Marshal(envelope *Envelope) ([]byte, error) {
	return codec.Marshal(envelope)
}

// Decode parses the wire encoding. Anything that is not exactly the
// canonical encoding of an envelope fails with ErrAuthenticationFailed,
// so a flipped byte can never decode to an equivalent message.
func Decode(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrAuthenticationFailed, err)
	}
	canonical, err := codec.Marshal(&envelope)
	if err != nil || !bytes.Equal(canonical, data) {
		return nil, fmt.Errorf("%w: non-canonical envelope encoding", ErrAuthenticationFailed)
	}
	return &envelope, nil
}

// Codec seals and opens envelopes against a clock.
type Codec struct {
	clock   clock.Clock
	maxSkew time.Duration
}

// NewCodec returns a Codec. A nil clock means the wall clock; a zero
// maxSkew means DefaultMaxSkew.
func NewCodec(clk clock.Clock, maxSkew time.Duration) *Codec {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Codec{clock: clk, maxSkew: maxSkew}
}

// MaxSkew returns the accepted timestamp skew.
func (c *Codec) MaxSkew() time.Duration { return c.maxSkew }

// Seal encrypts plaintext to recipient and signs the result as sender.
// header.Sender must be the sender's ID and header.Recipient the
// recipient's.
func (c *Codec) Seal(header Header, plaintext []byte, sender *pqc.Identity, recipient pqc.PublicIdentity) (*Envelope, error) {
	if header.Sender != sender.ID() {
		return nil, fmt.Errorf("envelope: header sender %q does not match identity %q", header.Sender, sender.ID())
	}
	if header.Recipient != recipient.ID {
		return nil, fmt.Errorf("envelope: header recipient %q does not match identity %q", header.Recipient, recipient.ID)
	}
	if header.Sequence == 0 {
		return nil, errors.New("envelope: sequence numbers start at 1")
	}
	kemScheme, err := recipient.KEM()
	if err != nil {
		return nil, err
	}

	envelope := &Envelope{
		Version:   Version,
		Sender:    header.Sender,
		Recipient: header.Recipient,
		Sequence:  header.Sequence,
		Timestamp: c.clock.Now().UnixNano(),
	}
	aad, err := envelope.aad()
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding header: %w", err)
	}

	kemCiphertext, sharedSecret, err := kemScheme.Encapsulate(recipient.KEMPublicKey)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(sharedSecret)
	secret.Zero(sharedSecret)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("envelope: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	payload := make([]byte, 0, len(kemCiphertext)+len(nonce)+len(plaintext)+aead.Overhead())
	payload = append(payload, kemCiphertext...)
	payload = append(payload, nonce[:]...)
	envelope.Payload = aead.Seal(payload, nonce[:], plaintext, aad)

	signed, err := envelope.signedBytes()
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding signed fields: %w", err)
	}
	envelope.Signature, err = sender.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("envelope: signing: %w", err)
	}
	return envelope, nil
}

// Open authenticates an envelope from sender addressed to recipient
// and returns the plaintext.
func (c *Codec) Open(envelope *Envelope, sender pqc.PublicIdentity, recipient *pqc.Identity) ([]byte, error) {
	if err := c.Verify(envelope, sender, recipient.ID()); err != nil {
		return nil, err
	}
	return decrypt(envelope, recipient)
}

// Verify runs the authentication and freshness checks of Open without
// decrypting.
func (c *Codec) Verify(envelope *Envelope, sender pqc.PublicIdentity, recipientID string) error {
	if envelope == nil {
		return fmt.Errorf("%w: nil envelope", ErrAuthenticationFailed)
	}
	if envelope.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrAuthenticationFailed, envelope.Version)
	}
	if envelope.Sender != sender.ID {
		return fmt.Errorf("%w: sender %q is not %q", ErrAuthenticationFailed, envelope.Sender, sender.ID)
	}
	if envelope.Recipient != recipientID {
		return fmt.Errorf("%w: recipient %q is not %q", ErrAuthenticationFailed, envelope.Recipient, recipientID)
	}
	signatureScheme, err := sender.Signature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	signed, err := envelope.signedBytes()
	if err != nil {
		return fmt.Errorf("%w: encoding signed fields: %v", ErrAuthenticationFailed, err)
	}
	if !signatureScheme.Verify(sender.VerifyKey, signed, envelope.Signature) {
		return fmt.Errorf("%w: bad signature from %q", ErrAuthenticationFailed, envelope.Sender)
	}

	skew := c.clock.Now().Sub(envelope.Time())
	if skew > c.maxSkew || skew < -c.maxSkew {
		return fmt.Errorf("%w: timestamp is %s from local clock (limit %s)", ErrStaleMessage, skew, c.maxSkew)
	}
	return nil
}

// OpenBytes decodes and opens a wire-encoded envelope.
func (c *Codec) OpenBytes(data []byte, sender pqc.PublicIdentity, recipient *pqc.Identity) (*Envelope, []byte, error) {
	envelope, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := c.Open(envelope, sender, recipient)
	if err != nil {
		return nil, nil, err
	}
	return envelope, plaintext, nil
}

func decrypt(envelope *Envelope, recipient *pqc.Identity) ([]byte, error) {
	kemScheme, err := recipient.Public().KEM()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	ciphertextSize := kemScheme.CiphertextSize()
	if len(envelope.Payload) < ciphertextSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptionFailed)
	}
	kemCiphertext := envelope.Payload[:ciphertextSize]
	nonce := envelope.Payload[ciphertextSize : ciphertextSize+chacha20poly1305.NonceSizeX]
	sealed := envelope.Payload[ciphertextSize+chacha20poly1305.NonceSizeX:]

	sharedSecret, err := recipient.Decapsulate(kemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	key, err := deriveKey(sharedSecret)
	secret.Zero(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	aad, err := envelope.aad()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding header: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: payload does not open with the local KEM key", ErrDecryptionFailed)
	}
	return plaintext, nil
}

func deriveKey(sharedSecret []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("envelope: HKDF expand: %w", err)
	}
	return secret.NewFromBytes(key)
}
