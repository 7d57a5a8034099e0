// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// Every secret keywarden handles (QKD key blocks, KEM shared secrets,
// derived session keys, staged keys on the agent, long-term private
// keys) lives in a Buffer: an anonymous mmap region locked into RAM,
// excluded from core dumps, and zeroed when closed. The garbage
// collector never sees the region, so no stray copy survives Close.
//
// Short-lived heap slices that cannot avoid the heap (library outputs,
// decoded payloads) are cleared with Zero as soon as their contents
// have been moved into a Buffer or handed to their consumer.
package secret

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a locked, dump-excluded region holding one secret. Close
// zeroes and releases it; any read after Close panics. A Buffer must
// not be copied.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// New allocates a zero-filled Buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}

	return &Buffer{data: data[:size]}, nil
}

// NewFromBytes moves source into a new Buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns the secret. The slice aliases the locked region and is
// only valid until Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Len returns the secret's length, or 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	return len(b.data)
}

// Equal compares the secret with other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return subtle.ConstantTimeCompare(b.data, other) == 1
}

// Clone copies the secret into a new Buffer.
func (b *Buffer) Clone() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("secret: clone of closed buffer")
	}
	clone, err := New(len(b.data))
	if err != nil {
		return nil, err
	}
	copy(clone.data, b.data)
	return clone, nil
}

// Closed reports whether Close has run.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close zeroes the secret, then unlocks and unmaps it. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	region := b.data[:cap(b.data)]
	Zero(region)

	var firstError error
	if err := unix.Munlock(region); err != nil {
		firstError = fmt.Errorf("secret: munlock failed: %w", err)
	}
	if err := unix.Munmap(region); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return firstError
}
