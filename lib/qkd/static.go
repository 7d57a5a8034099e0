// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package qkd

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/keywarden/lib/secret"
)

// Static is a Source that returns the same key block every time. It
// has no security value; it exists so tests and lab setups can run
// without a key manager.
type Static struct {
	mu          sync.Mutex
	key         []byte
	issued      int
	unavailable bool
}

// NewStatic returns a Static source for key. The key is copied.
func NewStatic(key []byte) *Static {
	return &Static{key: bytes.Clone(key)}
}

// SetUnavailable makes subsequent calls fail with ErrUnavailable
// (true) or succeed again (false).
func (s *Static) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// Issued returns the number of keys handed out.
func (s *Static) Issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// FetchKey returns a copy of the static key with a fresh ID.
func (s *Static) FetchKey(ctx context.Context, request Request) (Key, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return Key{}, fmt.Errorf("%w: static source disabled", ErrUnavailable)
	}
	if request.Size != len(s.key) {
		return Key{}, fmt.Errorf("qkd: static key is %d bytes, %d requested", len(s.key), request.Size)
	}
	buffer, err := secret.NewFromBytes(bytes.Clone(s.key))
	if err != nil {
		return Key{}, err
	}
	s.issued++
	return Key{ID: fmt.Sprintf("static-%d", s.issued), Secret: buffer}, nil
}

// Status reports an unlimited link.
func (s *Static) Status(ctx context.Context, peerSAE string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return Status{}, fmt.Errorf("%w: static source disabled", ErrUnavailable)
	}
	return Status{
		SourceKME:      "static",
		TargetKME:      "static",
		KeySize:        len(s.key) * 8,
		StoredKeyCount: 1,
		MaxKeyCount:    1,
	}, nil
}
