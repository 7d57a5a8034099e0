// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipsec

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

// Operation names a Controller method, for Memory failure injection.
type Operation string

const (
	OpLoadSharedKey Operation = "load-shared"
	OpRekeyChild    Operation = "rekey"
	OpTerminate     Operation = "terminate"
	OpSAState       Operation = "list-sas"
)

// LoadedKey is what Memory remembers about one load-shared call.
type LoadedKey struct {
	ID          string
	Owners      []string
	Fingerprint string
}

// Memory is an in-process Controller. Loaded keys are copied into its
// own protected buffers so tests can inspect them after the caller
// has closed the originals.
type Memory struct {
	mu       sync.Mutex
	keys     map[string]*secret.Buffer
	loads    []LoadedKey
	rekeys   []string
	states   map[string]schema.TunnelStatus
	children map[string]string // child -> IKE SA
	failures map[Operation]error
}

// NewMemory returns an empty Memory controller.
func NewMemory() *Memory {
	return &Memory{
		keys:     make(map[string]*secret.Buffer),
		states:   make(map[string]schema.TunnelStatus),
		children: make(map[string]string),
		failures: make(map[Operation]error),
	}
}

// SetState sets the state SAState reports for an IKE SA.
func (m *Memory) SetState(ike string, status schema.TunnelStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[ike] = status
}

// BindChild records that child belongs to ike, so RekeyChild can mark
// the IKE SA established.
func (m *Memory) BindChild(child, ike string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[child] = ike
}

// FailNext makes the next call of op fail with err wrapped in
// ErrControlFailure.
func (m *Memory) FailNext(op Operation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Loads returns every load-shared call so far.
func (m *Memory) Loads() []LoadedKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.loads)
}

// Rekeys returns every rekeyed child so far.
func (m *Memory) Rekeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rekeys)
}

// Key returns a copy of the loaded key with the given ID.
func (m *Memory) Key(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buffer, ok := m.keys[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(buffer.Bytes()), true
}

func (m *Memory) injected(op Operation) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return fmt.Errorf("%w: %s: %v", ErrControlFailure, op, err)
	}
	return nil
}

// LoadSharedKey copies the key.
func (m *Memory) LoadSharedKey(ctx context.Context, key SharedKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpLoadSharedKey); err != nil {
		return err
	}
	if key.Key == nil || key.Key.Len() == 0 {
		return fmt.Errorf("%w: load-shared %s: no key", ErrControlFailure, key.ID)
	}
	copied, err := key.Key.Clone()
	if err != nil {
		return fmt.Errorf("%w: load-shared %s: %v", ErrControlFailure, key.ID, err)
	}
	if previous, ok := m.keys[key.ID]; ok {
		previous.Close()
	}
	m.keys[key.ID] = copied
	m.loads = append(m.loads, LoadedKey{
		ID:          key.ID,
		Owners:      slices.Clone(key.Owners),
		Fingerprint: keymix.Fingerprint(copied.Bytes()),
	})
	return nil
}

// RekeyChild records the rekey and marks the child's IKE SA
// established.
func (m *Memory) RekeyChild(ctx context.Context, child string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpRekeyChild); err != nil {
		return err
	}
	m.rekeys = append(m.rekeys, child)
	if ike, ok := m.children[child]; ok {
		m.states[ike] = schema.TunnelEstablished
	}
	return nil
}

// Terminate marks the IKE SA down.
func (m *Memory) Terminate(ctx context.Context, ike string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpTerminate); err != nil {
		return err
	}
	m.states[ike] = schema.TunnelDown
	return nil
}

// SAState returns the state set by SetState, RekeyChild or Terminate.
func (m *Memory) SAState(ctx context.Context, ike string) (schema.TunnelStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpSAState); err != nil {
		return "", err
	}
	if status, ok := m.states[ike]; ok {
		return status, nil
	}
	return schema.TunnelDown, nil
}

// Close zeroes every loaded key.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, buffer := range m.keys {
		buffer.Close()
		delete(m.keys, id)
	}
	return nil
}
