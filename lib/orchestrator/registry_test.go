// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/keywarden/lib/replay"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	for _, node := range nodes {
		peer, err := NewPeer(node, "unix:///run/"+node+".sock", generateIdentity(t, node).Public(), 0)
		if err != nil {
			t.Fatalf("NewPeer(%s): %v", node, err)
		}
		if err := registry.AddPeer(peer); err != nil {
			t.Fatalf("AddPeer(%s): %v", node, err)
		}
	}
	return registry
}

func TestNewPeerRejectsMismatchedIdentity(t *testing.T) {
	public := generateIdentity(t, "node-a").Public()
	if _, err := NewPeer("node-b", "unix:///run/b.sock", public, 0); err == nil {
		t.Error("NewPeer accepted node-a's identity for node-b")
	}
	if _, err := NewPeer("", "unix:///run/a.sock", public, 0); err == nil {
		t.Error("NewPeer accepted an empty ID")
	}
}

func TestRegistryTunnels(t *testing.T) {
	registry := newTestRegistry(t)

	for _, id := range []string{"tunnel-2", "tunnel-1"} {
		if _, err := registry.Register(testSpec(id)); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	if _, err := registry.Register(testSpec("tunnel-1")); !errors.Is(err, ErrTunnelExists) {
		t.Errorf("duplicate Register: %v, want ErrTunnelExists", err)
	}

	unknownNode := testSpec("tunnel-3")
	unknownNode.NodeB = "node-c"
	unknownNode.Initiator = "node-c"
	if _, err := registry.Register(unknownNode); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Register with unknown node: %v, want ErrUnknownPeer", err)
	}

	invalid := testSpec("tunnel-4")
	invalid.ChildName = ""
	if _, err := registry.Register(invalid); err == nil {
		t.Error("Register accepted a spec without a child name")
	}

	tunnels := registry.Tunnels()
	if len(tunnels) != 2 || tunnels[0].Spec.TunnelID != "tunnel-1" || tunnels[1].Spec.TunnelID != "tunnel-2" {
		t.Fatalf("Tunnels = %v", tunnels)
	}
	if got := registry.TunnelsFor("node-b"); len(got) != 2 {
		t.Errorf("TunnelsFor(node-b) = %d tunnels, want 2", len(got))
	}
	if got := registry.TunnelsFor("node-c"); len(got) != 0 {
		t.Errorf("TunnelsFor(node-c) = %d tunnels, want 0", len(got))
	}
	if state := tunnels[0].State(); state.Status != "down" || state.CurrentKeyEpoch != 0 {
		t.Errorf("new tunnel state = %+v", state)
	}

	if err := registry.RemovePeer("node-a"); !errors.Is(err, ErrPeerInUse) {
		t.Errorf("RemovePeer with tunnels: %v, want ErrPeerInUse", err)
	}
	for _, id := range []string{"tunnel-1", "tunnel-2"} {
		if _, err := registry.Deregister(id); err != nil {
			t.Fatalf("Deregister(%s): %v", id, err)
		}
	}
	if _, err := registry.Deregister("tunnel-1"); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("second Deregister: %v, want ErrUnknownTunnel", err)
	}
	if err := registry.RemovePeer("node-a"); err != nil {
		t.Errorf("RemovePeer: %v", err)
	}
	if _, err := registry.Peer("node-a"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Peer after removal: %v, want ErrUnknownPeer", err)
	}
}

func TestRegistryProtocolStateRoundTrip(t *testing.T) {
	registry := newTestRegistry(t)
	peer, _ := registry.Peer("node-a")
	for range 3 {
		peer.sequencer.Next("node-a")
	}
	for sequence := uint64(1); sequence <= 5; sequence++ {
		if err := peer.guard.Admit("node-a", "orchestrator", sequence); err != nil {
			t.Fatalf("Admit(%d): %v", sequence, err)
		}
	}

	marks, sequences := registry.protocolState("orchestrator")
	if len(marks) != 1 || marks[0].HighWater != 5 {
		t.Fatalf("marks = %+v", marks)
	}
	if len(sequences) != 1 || sequences[0].Sender != "orchestrator" || sequences[0].Recipient != "node-a" {
		t.Fatalf("sequences = %+v", sequences)
	}

	restored := newTestRegistry(t)
	restored.restoreProtocolState("orchestrator", append(marks, replay.Mark{Sender: "node-z", Recipient: "orchestrator", HighWater: 9}), sequences)
	restoredPeer, _ := restored.Peer("node-a")
	if err := restoredPeer.guard.Admit("node-a", "orchestrator", 5); !errors.Is(err, replay.ErrReplay) {
		t.Errorf("Admit(5) after restore: %v, want ErrReplay", err)
	}
	if err := restoredPeer.guard.Admit("node-a", "orchestrator", 6); err != nil {
		t.Errorf("Admit(6) after restore: %v", err)
	}
	if next := restoredPeer.sequencer.Next("node-a"); next <= 3 {
		t.Errorf("sequence after restore = %d, want above 3", next)
	}
}
