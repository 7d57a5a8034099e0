// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/replay"
	"github.com/bureau-foundation/keywarden/lib/schema"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreTunnels(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	second := StoredTunnel{Spec: testSpec("tunnel-9"), Status: schema.TunnelDown}
	first := StoredTunnel{
		Spec:           testSpec("tunnel-1"),
		Epoch:          4,
		Status:         schema.TunnelEstablished,
		Mode:           keymix.ModeHybrid,
		KeyFingerprint: "0123abcd",
		LastRekey:      start,
	}
	for _, tunnel := range []StoredTunnel{second, first} {
		if err := store.PutTunnel(ctx, tunnel); err != nil {
			t.Fatalf("PutTunnel(%s): %v", tunnel.Spec.TunnelID, err)
		}
	}

	tunnels, err := store.Tunnels(ctx)
	if err != nil {
		t.Fatalf("Tunnels: %v", err)
	}
	if len(tunnels) != 2 {
		t.Fatalf("Tunnels returned %d rows, want 2", len(tunnels))
	}
	got := tunnels[0]
	if got.Spec != first.Spec || got.Epoch != 4 || got.Status != schema.TunnelEstablished ||
		got.Mode != keymix.ModeHybrid || got.KeyFingerprint != "0123abcd" || !got.LastRekey.Equal(start) {
		t.Errorf("tunnels[0] = %+v, want %+v", got, first)
	}
	if tunnels[1].Spec.TunnelID != "tunnel-9" || !tunnels[1].LastRekey.IsZero() {
		t.Errorf("tunnels[1] = %+v", tunnels[1])
	}

	// Upsert replaces the row.
	first.Epoch = 5
	if err := store.PutTunnel(ctx, first); err != nil {
		t.Fatalf("PutTunnel: %v", err)
	}
	if err := store.DeleteTunnel(ctx, "tunnel-9"); err != nil {
		t.Fatalf("DeleteTunnel: %v", err)
	}
	if err := store.DeleteTunnel(ctx, "tunnel-absent"); err != nil {
		t.Fatalf("DeleteTunnel(absent): %v", err)
	}
	tunnels, err = store.Tunnels(ctx)
	if err != nil {
		t.Fatalf("Tunnels: %v", err)
	}
	if len(tunnels) != 1 || tunnels[0].Epoch != 5 {
		t.Errorf("after update and delete: %+v", tunnels)
	}
}

func TestStoreProtocolStateNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	if err := store.PutProtocolState(ctx,
		[]replay.Mark{{Sender: "node-a", Recipient: "orchestrator", HighWater: 40}},
		[]Sequence{{Sender: "orchestrator", Recipient: "node-a", Next: 41}},
	); err != nil {
		t.Fatalf("PutProtocolState: %v", err)
	}
	if err := store.PutProtocolState(ctx,
		[]replay.Mark{
			{Sender: "node-a", Recipient: "orchestrator", HighWater: 12},
			{Sender: "node-b", Recipient: "orchestrator", HighWater: 3},
		},
		[]Sequence{{Sender: "orchestrator", Recipient: "node-a", Next: 7}},
	); err != nil {
		t.Fatalf("PutProtocolState: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening runs no migration twice and keeps the data.
	reopened := openTestStore(t, path)
	marks, sequences, err := reopened.ProtocolState(ctx)
	if err != nil {
		t.Fatalf("ProtocolState: %v", err)
	}
	if len(marks) != 2 || marks[0].HighWater != 40 || marks[1].Sender != "node-b" || marks[1].HighWater != 3 {
		t.Errorf("marks = %+v", marks)
	}
	if len(sequences) != 1 || sequences[0].Next != 41 {
		t.Errorf("sequences = %+v", sequences)
	}
}

func TestStoreDeletePeer(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	if err := store.PutProtocolState(ctx,
		[]replay.Mark{
			{Sender: "node-a", Recipient: "orchestrator", HighWater: 9},
			{Sender: "node-b", Recipient: "orchestrator", HighWater: 4},
		},
		[]Sequence{
			{Sender: "orchestrator", Recipient: "node-a", Next: 10},
			{Sender: "orchestrator", Recipient: "node-b", Next: 5},
		},
	); err != nil {
		t.Fatalf("PutProtocolState: %v", err)
	}

	if err := store.DeletePeer(ctx, "node-b"); err != nil {
		t.Fatalf("DeletePeer: %v", err)
	}
	marks, sequences, err := store.ProtocolState(ctx)
	if err != nil {
		t.Fatalf("ProtocolState: %v", err)
	}
	if len(marks) != 1 || marks[0].Sender != "node-a" {
		t.Errorf("marks = %+v", marks)
	}
	if len(sequences) != 1 || sequences[0].Recipient != "node-a" {
		t.Errorf("sequences = %+v", sequences)
	}

	// A node that was re-added starts its counters over.
	if err := store.PutProtocolState(ctx,
		[]replay.Mark{{Sender: "node-b", Recipient: "orchestrator", HighWater: 1}}, nil,
	); err != nil {
		t.Fatalf("PutProtocolState: %v", err)
	}
	marks, _, err = store.ProtocolState(ctx)
	if err != nil {
		t.Fatalf("ProtocolState: %v", err)
	}
	if len(marks) != 2 || marks[1].HighWater != 1 {
		t.Errorf("marks after re-add = %+v", marks)
	}
}
