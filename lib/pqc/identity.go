// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pqc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

// PublicIdentity is the published half of a node's long-term keys: the
// KEM public key that envelopes are encrypted to and the verification
// key that envelopes are signed against.
type PublicIdentity struct {
	ID                 string `cbor:"1,keyasint"`
	KEMAlgorithm       string `cbor:"2,keyasint"`
	KEMPublicKey       []byte `cbor:"3,keyasint"`
	SignatureAlgorithm string `cbor:"4,keyasint"`
	VerifyKey          []byte `cbor:"5,keyasint"`
}

// Validate checks that both algorithms are known and both keys have
// their algorithm's length.
func (p PublicIdentity) Validate() error {
	if p.ID == "" {
		return errors.New("pqc: identity has no ID")
	}
	kemScheme, err := KEMByName(p.KEMAlgorithm)
	if err != nil {
		return err
	}
	if len(p.KEMPublicKey) != kemScheme.PublicKeySize() {
		return fmt.Errorf("pqc: identity %q: %s public key is %d bytes, want %d",
			p.ID, p.KEMAlgorithm, len(p.KEMPublicKey), kemScheme.PublicKeySize())
	}
	signatureScheme, err := SignatureByName(p.SignatureAlgorithm)
	if err != nil {
		return err
	}
	if len(p.VerifyKey) != signatureScheme.PublicKeySize() {
		return fmt.Errorf("pqc: identity %q: %s verification key is %d bytes, want %d",
			p.ID, p.SignatureAlgorithm, len(p.VerifyKey), signatureScheme.PublicKeySize())
	}
	return nil
}

// KEM returns the identity's KEM backend.
func (p PublicIdentity) KEM() (KEM, error) { return KEMByName(p.KEMAlgorithm) }

// Signature returns the identity's signature backend.
func (p PublicIdentity) Signature() (SignatureScheme, error) {
	return SignatureByName(p.SignatureAlgorithm)
}

// Fingerprint is a short, stable digest of the public identity for
// operators to compare out of band: the first 16 bytes of the BLAKE3
// hash of its deterministic encoding, hex encoded in groups of four.
func (p PublicIdentity) Fingerprint() string {
	encoded, err := codec.Marshal(p)
	if err != nil {
		// Encoding a struct of strings and byte slices cannot fail.
		panic("pqc: encoding public identity: " + err.Error())
	}
	sum := blake3.Sum256(encoded)
	digits := hex.EncodeToString(sum[:16])
	grouped := make([]byte, 0, len(digits)+len(digits)/4)
	for index := 0; index < len(digits); index += 4 {
		if index > 0 {
			grouped = append(grouped, ':')
		}
		grouped = append(grouped, digits[index:index+4]...)
	}
	return string(grouped)
}

// MarshalPublic encodes the public identity for a .pub file.
func (p PublicIdentity) MarshalPublic() ([]byte, error) {
	return codec.Marshal(p)
}

// UnmarshalPublicIdentity decodes and validates a .pub file.
func UnmarshalPublicIdentity(data []byte) (PublicIdentity, error) {
	var identity PublicIdentity
	if err := codec.Unmarshal(data, &identity); err != nil {
		return PublicIdentity{}, fmt.Errorf("pqc: decoding public identity: %w", err)
	}
	if err := identity.Validate(); err != nil {
		return PublicIdentity{}, err
	}
	return identity, nil
}

// Identity is a node's full long-term key set. Private keys are held
// in secret buffers until Close.
type Identity struct {
	public           PublicIdentity
	kem              KEM
	signature        SignatureScheme
	kemPrivateKey    *secret.Buffer
	signerPrivateKey *secret.Buffer
}

// GenerateIdentity creates fresh KEM and signing keypairs for id.
func GenerateIdentity(id, kemName, signatureName string) (*Identity, error) {
	kemScheme, err := KEMByName(kemName)
	if err != nil {
		return nil, err
	}
	signatureScheme, err := SignatureByName(signatureName)
	if err != nil {
		return nil, err
	}

	kemPublic, kemPrivate, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	verifyKey, signerPrivate, err := signatureScheme.GenerateKeyPair()
	if err != nil {
		secret.Zero(kemPrivate)
		return nil, err
	}

	return newIdentity(PublicIdentity{
		ID:                 id,
		KEMAlgorithm:       kemName,
		KEMPublicKey:       kemPublic,
		SignatureAlgorithm: signatureName,
		VerifyKey:          verifyKey,
	}, kemPrivate, signerPrivate)
}

// newIdentity moves both private keys into secret buffers, zeroing the
// originals on every path.
func newIdentity(public PublicIdentity, kemPrivate, signerPrivate []byte) (*Identity, error) {
	defer secret.ZeroAll(kemPrivate, signerPrivate)

	if err := public.Validate(); err != nil {
		return nil, err
	}
	kemScheme, _ := public.KEM()
	signatureScheme, _ := public.Signature()
	if len(kemPrivate) != kemScheme.PrivateKeySize() {
		return nil, fmt.Errorf("pqc: identity %q: KEM private key is %d bytes, want %d",
			public.ID, len(kemPrivate), kemScheme.PrivateKeySize())
	}
	if len(signerPrivate) != signatureScheme.PrivateKeySize() {
		return nil, fmt.Errorf("pqc: identity %q: signing key is %d bytes, want %d",
			public.ID, len(signerPrivate), signatureScheme.PrivateKeySize())
	}

	kemBuffer, err := secret.NewFromBytes(kemPrivate)
	if err != nil {
		return nil, fmt.Errorf("pqc: protecting KEM private key: %w", err)
	}
	signerBuffer, err := secret.NewFromBytes(signerPrivate)
	if err != nil {
		kemBuffer.Close()
		return nil, fmt.Errorf("pqc: protecting signing key: %w", err)
	}

	return &Identity{
		public:           public,
		kem:              kemScheme,
		signature:        signatureScheme,
		kemPrivateKey:    kemBuffer,
		signerPrivateKey: signerBuffer,
	}, nil
}

// ID returns the identity's node ID.
func (i *Identity) ID() string { return i.public.ID }

// Public returns the publishable half.
func (i *Identity) Public() PublicIdentity { return i.public }

// Sign signs message with the identity's signing key.
func (i *Identity) Sign(message []byte) ([]byte, error) {
	return i.signature.Sign(i.signerPrivateKey.Bytes(), message)
}

// Decapsulate recovers the shared secret from a ciphertext addressed
// to this identity. The caller owns and must zero the result.
func (i *Identity) Decapsulate(ciphertext []byte) ([]byte, error) {
	return i.kem.Decapsulate(i.kemPrivateKey.Bytes(), ciphertext)
}

// Close releases both private keys.
func (i *Identity) Close() error {
	return errors.Join(i.kemPrivateKey.Close(), i.signerPrivateKey.Close())
}

// identityFile is the plaintext inside a sealed identity file.
type identityFile struct {
	Public           PublicIdentity `cbor:"1,keyasint"`
	KEMPrivateKey    []byte         `cbor:"2,keyasint"`
	SignerPrivateKey []byte         `cbor:"3,keyasint"`
}

// MarshalPrivate encodes the full identity, private keys included. The
// result is secret: seal it (lib/sealed) and zero it.
func (i *Identity) MarshalPrivate() ([]byte, error) {
	return codec.Marshal(identityFile{
		Public:           i.public,
		KEMPrivateKey:    i.kemPrivateKey.Bytes(),
		SignerPrivateKey: i.signerPrivateKey.Bytes(),
	})
}

// UnmarshalIdentity decodes the output of MarshalPrivate. The caller
// still owns data and should zero it afterwards.
func UnmarshalIdentity(data []byte) (*Identity, error) {
	var file identityFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("pqc: decoding identity: %w", err)
	}
	return newIdentity(file.Public, file.KEMPrivateKey, file.SignerPrivateKey)
}
