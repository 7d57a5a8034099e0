// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipsec

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/strongswan/govici/vici"

	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/secret"
)

func newKey(t *testing.T, fill byte) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes(bytes.Repeat([]byte{fill}, 32))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func TestMemoryLoadAndRekey(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory()
	defer memory.Close()
	memory.BindChild("net", "site")

	key := newKey(t, 0x42)
	if err := memory.LoadSharedKey(ctx, SharedKey{ID: "tunnel-7", Owners: []string{"b.example.net"}, Key: key}); err != nil {
		t.Fatalf("LoadSharedKey: %v", err)
	}
	// The caller closing its buffer must not affect the loaded copy.
	key.Close()

	loaded, ok := memory.Key("tunnel-7")
	if !ok || !bytes.Equal(loaded, bytes.Repeat([]byte{0x42}, 32)) {
		t.Fatalf("Key(tunnel-7) = %x, %v", loaded, ok)
	}
	loads := memory.Loads()
	if len(loads) != 1 || loads[0].Owners[0] != "b.example.net" || loads[0].Fingerprint == "" {
		t.Fatalf("Loads = %+v", loads)
	}

	if state, _ := memory.SAState(ctx, "site"); state != schema.TunnelDown {
		t.Errorf("state before rekey = %s, want down", state)
	}
	if err := memory.RekeyChild(ctx, "net"); err != nil {
		t.Fatalf("RekeyChild: %v", err)
	}
	if state, _ := memory.SAState(ctx, "site"); state != schema.TunnelEstablished {
		t.Errorf("state after rekey = %s, want established", state)
	}
	if err := memory.Terminate(ctx, "site"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if state, _ := memory.SAState(ctx, "site"); state != schema.TunnelDown {
		t.Errorf("state after terminate = %s, want down", state)
	}
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory()
	defer memory.Close()

	memory.FailNext(OpLoadSharedKey, errors.New("charon restarting"))
	err := memory.LoadSharedKey(ctx, SharedKey{ID: "tunnel-7", Key: newKey(t, 1)})
	if !errors.Is(err, ErrControlFailure) {
		t.Fatalf("error = %v, want ErrControlFailure", err)
	}
	if len(memory.Loads()) != 0 {
		t.Fatal("failed load was recorded")
	}
	// Only the next call fails.
	if err := memory.LoadSharedKey(ctx, SharedKey{ID: "tunnel-7", Key: newKey(t, 1)}); err != nil {
		t.Fatalf("LoadSharedKey after injected failure: %v", err)
	}
}

func TestMemoryRejectsEmptyKey(t *testing.T) {
	memory := NewMemory()
	defer memory.Close()
	err := memory.LoadSharedKey(context.Background(), SharedKey{ID: "tunnel-7"})
	if !errors.Is(err, ErrControlFailure) {
		t.Fatalf("error = %v, want ErrControlFailure", err)
	}
}

func saMessage(t *testing.T, state string, childState string) *vici.Message {
	t.Helper()
	sa := vici.NewMessage()
	if err := sa.Set("state", state); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if childState != "" {
		child := vici.NewMessage()
		if err := child.Set("state", childState); err != nil {
			t.Fatalf("Set: %v", err)
		}
		children := vici.NewMessage()
		if err := children.Set("net-1", child); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := sa.Set("child-sas", children); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	return sa
}

func TestSAStatusMapping(t *testing.T) {
	tests := []struct {
		state string
		child string
		want  schema.TunnelStatus
	}{
		{"ESTABLISHED", "INSTALLED", schema.TunnelEstablished},
		{"ESTABLISHED", "REKEYING", schema.TunnelRekeying},
		{"ESTABLISHED", "", schema.TunnelNegotiating},
		{"CONNECTING", "", schema.TunnelNegotiating},
		{"REKEYING", "", schema.TunnelRekeying},
		{"DELETING", "", schema.TunnelDown},
		{"", "", schema.TunnelDown},
	}
	for _, test := range tests {
		if got := saStatus(saMessage(t, test.state, test.child)); got != test.want {
			t.Errorf("saStatus(%s/%s) = %s, want %s", test.state, test.child, got, test.want)
		}
	}
}

func TestVICIUnreachableSocket(t *testing.T) {
	controller := NewVICI(t.TempDir()+"/missing.vici", nil)
	defer controller.Close()
	err := controller.Terminate(context.Background(), "site")
	if !errors.Is(err, ErrControlFailure) {
		t.Fatalf("error = %v, want ErrControlFailure", err)
	}
}
