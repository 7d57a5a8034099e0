// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/keywarden/lib/clock"
	"github.com/bureau-foundation/keywarden/lib/ipsec"
	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/nodeagent"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/qkd"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/secret"
	"github.com/bureau-foundation/keywarden/lib/testutil"
)

const (
	testTunnel = "tunnel-7"
	testIKE    = "site-ab"
	testChild  = "site-ab-net"

	// hybridKey is the session key for QKD 32×0x11, PQC 32×0x22 and
	// context "tunnel-7|epoch-1".
	hybridKey = "d6ee9e5218250fbf792d26a7bd3b570481eca2402f45a35e42895db8e68e64dc"

	// degradedKey is the PQC-only key for PQC 32×0x22 and the same
	// context.
	degradedKey = "b857089a3bbd4968923e555515b9f112507b4419a9d58387b312dfdcf5c9f51a"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var nodes = []string{"node-a", "node-b"}

func generateIdentity(t *testing.T, id string) *pqc.Identity {
	t.Helper()
	identity, err := pqc.GenerateIdentity(id, pqc.DefaultKEM, pqc.DefaultSignature)
	if err != nil {
		t.Fatalf("GenerateIdentity(%q): %v", id, err)
	}
	t.Cleanup(func() { identity.Close() })
	return identity
}

func testSpec(id string) schema.TunnelSpec {
	return schema.TunnelSpec{
		TunnelID:         id,
		NodeA:            "node-a",
		NodeB:            "node-b",
		IKEName:          testIKE,
		ChildName:        testChild,
		Initiator:        "node-a",
		NodeAIKEIdentity: "a.example",
		NodeBIKEIdentity: "b.example",
	}
}

// fixedPQC returns the same shared secret on every call.
type fixedPQC struct {
	secret []byte
}

func (g *fixedPQC) SecretSize() int { return len(g.secret) }

func (g *fixedPQC) Generate() (keymix.PQCSecret, error) {
	buffer, err := secret.NewFromBytes(bytes.Clone(g.secret))
	if err != nil {
		return keymix.PQCSecret{}, err
	}
	return keymix.PQCSecret{ID: "fixed", Secret: buffer}, nil
}

// agentTransport hands envelopes to in-process agents. Agents run
// their handlers to completion even after the caller gives up, as a
// remote agent would. A hook, when set for a node, runs before the
// delivery and can fail or stall it.
type agentTransport struct {
	mutex  sync.Mutex
	agents map[string]*nodeagent.Agent
	hooks  map[string]func(ctx context.Context) error
}

func (t *agentTransport) setHook(node string, hook func(ctx context.Context) error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.hooks[node] = hook
}

func (t *agentTransport) Deliver(ctx context.Context, peer *Peer, envelope []byte) ([]byte, error) {
	t.mutex.Lock()
	agent := t.agents[peer.ID]
	hook := t.hooks[peer.ID]
	t.mutex.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	return agent.Deliver(context.WithoutCancel(ctx), envelope)
}

type fixture struct {
	clock       *clock.FakeClock
	identity    *pqc.Identity
	nodes       map[string]*pqc.Identity
	controllers map[string]*ipsec.Memory
	agents      map[string]*nodeagent.Agent
	transport   *agentTransport
	qkd         *qkd.Static
	store       *Store

	orchestrator *Orchestrator
}

// newFixture builds an orchestrator over two in-process agents and a
// registered tunnel-7. configure, if non-nil, adjusts the
// orchestrator's Config.
func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		clock:       clock.Fake(start),
		identity:    generateIdentity(t, "orchestrator"),
		nodes:       make(map[string]*pqc.Identity),
		controllers: make(map[string]*ipsec.Memory),
		agents:      make(map[string]*nodeagent.Agent),
		qkd:         qkd.NewStatic(bytes.Repeat([]byte{0x11}, 32)),
	}
	f.transport = &agentTransport{
		agents: f.agents,
		hooks:  make(map[string]func(context.Context) error),
	}
	for _, node := range nodes {
		f.nodes[node] = generateIdentity(t, node)
		controller := ipsec.NewMemory()
		t.Cleanup(func() { controller.Close() })
		f.controllers[node] = controller
		agent, err := nodeagent.New(nodeagent.Config{
			Identity:     f.nodes[node],
			Orchestrator: f.identity.Public(),
			Controller:   controller,
			StatePath:    filepath.Join(t.TempDir(), node+".state"),
			Clock:        f.clock,
		})
		if err != nil {
			t.Fatalf("nodeagent.New(%s): %v", node, err)
		}
		t.Cleanup(func() { agent.Close() })
		f.agents[node] = agent
	}

	store, err := OpenStore(filepath.Join(t.TempDir(), "orchestrator.db"), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	f.store = store

	f.orchestrator = f.newOrchestrator(t, configure)
	if _, err := f.orchestrator.RegisterTunnel(context.Background(), testSpec(testTunnel)); err != nil {
		t.Fatalf("RegisterTunnel: %v", err)
	}
	f.reportSA(t, schema.TunnelEstablished)
	return f
}

// reportSA records a status report from both agents showing tunnel-7's
// IKE SA in state, as if a poll had just returned it. The daemons
// themselves are not changed.
func (f *fixture) reportSA(t *testing.T, state schema.TunnelStatus) {
	t.Helper()
	for _, node := range nodes {
		peer, err := f.orchestrator.Registry().Peer(node)
		if err != nil {
			t.Fatalf("Peer(%s): %v", node, err)
		}
		peer.recordStatus(&schema.StatusReport{
			Node: node,
			Tunnels: []schema.TunnelReport{{
				Tunnel:       testTunnel,
				IKEName:      testIKE,
				State:        schema.AgentIdle,
				AppliedEpoch: f.agents[node].AppliedEpoch(testTunnel),
				SAState:      state,
			}},
		}, f.clock.Now())
	}
}

// newOrchestrator builds an orchestrator over the fixture's store and
// agents with a fresh registry, as a restarted process would.
func (f *fixture) newOrchestrator(t *testing.T, configure func(*Config)) *Orchestrator {
	t.Helper()
	registry := NewRegistry()
	for _, node := range nodes {
		peer, err := NewPeer(node, "unix:///unused/"+node+".sock", f.nodes[node].Public(), 0)
		if err != nil {
			t.Fatalf("NewPeer(%s): %v", node, err)
		}
		if err := registry.AddPeer(peer); err != nil {
			t.Fatalf("AddPeer(%s): %v", node, err)
		}
	}
	config := Config{
		Identity:  f.identity,
		Registry:  registry,
		Store:     f.store,
		Transport: f.transport,
		QKD:       f.qkd,
		PQC:       &fixedPQC{secret: bytes.Repeat([]byte{0x22}, 32)},
		Clock:     f.clock,
		Random:    func() float64 { return 0.5 },
	}
	if configure != nil {
		configure(&config)
	}
	orchestrator, err := New(context.Background(), config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orchestrator
}

func (f *fixture) tunnel(t *testing.T, id string) *Tunnel {
	t.Helper()
	tunnel, err := f.orchestrator.Registry().Tunnel(id)
	if err != nil {
		t.Fatalf("Tunnel(%s): %v", id, err)
	}
	return tunnel
}

// loadedKey returns the hex key a node's daemon holds for the tunnel.
func (f *fixture) loadedKey(node, tunnelID string) string {
	key, ok := f.controllers[node].Key(nodeagent.SharedKeyID(tunnelID))
	if !ok {
		return ""
	}
	return hex.EncodeToString(key)
}

// waitUntil spins until condition holds or the test context ends.
func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	for !condition() {
		if t.Context().Err() != nil {
			t.Fatalf("%s did not happen before the test context expired", what)
		}
		runtime.Gosched()
	}
}

func TestRunCycleInstallsHybridKey(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	tunnel := f.tunnel(t, testTunnel)
	state := tunnel.State()
	if state.Status != schema.TunnelEstablished || state.CurrentKeyEpoch != 1 {
		t.Fatalf("state = %+v, want established at epoch 1", state)
	}
	for _, node := range nodes {
		if got := f.loadedKey(node, testTunnel); got != hybridKey {
			t.Errorf("%s key = %s, want %s", node, got, hybridKey)
		}
		if got := f.agents[node].AppliedEpoch(testTunnel); got != 1 {
			t.Errorf("%s applied epoch = %d, want 1", node, got)
		}
	}

	// Each side's key is owned by the other side's IKE identity, and
	// only the initiator rekeys the child SA.
	if loads := f.controllers["node-a"].Loads(); len(loads) != 1 || !slices.Equal(loads[0].Owners, []string{"b.example"}) {
		t.Errorf("node-a loads = %+v", loads)
	}
	if loads := f.controllers["node-b"].Loads(); len(loads) != 1 || !slices.Equal(loads[0].Owners, []string{"a.example"}) {
		t.Errorf("node-b loads = %+v", loads)
	}
	if rekeys := f.controllers["node-a"].Rekeys(); !slices.Equal(rekeys, []string{testChild}) {
		t.Errorf("node-a rekeys = %v, want [%s]", rekeys, testChild)
	}
	if rekeys := f.controllers["node-b"].Rekeys(); len(rekeys) != 0 {
		t.Errorf("node-b rekeys = %v, want none", rekeys)
	}

	key, _ := hex.DecodeString(hybridKey)
	info := tunnel.Info()
	if info.Mode != string(keymix.ModeHybrid) || info.KeyFingerprint != keymix.Fingerprint(key) {
		t.Errorf("info = %+v", info)
	}
	if want := start.Add(DefaultRekeyInterval); !tunnel.scheduled().Equal(want) {
		t.Errorf("next rekey = %v, want %v", tunnel.scheduled(), want)
	}

	metrics := f.orchestrator.Metrics()
	if metrics.CyclesStarted != 1 || metrics.CyclesSucceeded != 1 || metrics.CyclesFailed != 0 {
		t.Errorf("cycle counters = %+v", metrics)
	}
	if metrics.EnvelopesSent != 4 {
		t.Errorf("EnvelopesSent = %d, want 4 (stage and commit to each node)", metrics.EnvelopesSent)
	}
	if len(metrics.LastCycles) != 1 || metrics.LastCycles[0].Result != "established" || metrics.LastCycles[0].Epoch != 1 {
		t.Errorf("LastCycles = %+v", metrics.LastCycles)
	}

	stored, err := f.store.Tunnels(context.Background())
	if err != nil {
		t.Fatalf("Tunnels: %v", err)
	}
	if len(stored) != 1 || stored[0].Epoch != 1 || stored[0].Status != schema.TunnelEstablished {
		t.Errorf("stored = %+v", stored)
	}
}

func TestAckTimeoutFailsCycle(t *testing.T) {
	f := newFixture(t, nil)
	var once sync.Once
	blocked := make(chan struct{})
	f.transport.setHook("node-b", func(ctx context.Context) error {
		once.Do(func() { close(blocked) })
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- f.orchestrator.RunCycle(context.Background(), testTunnel) }()
	testutil.RequireClosed(t, blocked, 5*time.Second, "stage delivery to node-b")
	f.clock.Advance(DefaultAckTimeout)

	err := testutil.RequireReceive(t, done, 5*time.Second, "cycle result")
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("RunCycle error = %v, want ErrAckTimeout", err)
	}

	state := f.tunnel(t, testTunnel).State()
	if state.Status != schema.TunnelFailed || state.CurrentKeyEpoch != 0 {
		t.Errorf("state = %+v, want failed at epoch 0", state)
	}
	for _, node := range nodes {
		if loads := f.controllers[node].Loads(); len(loads) != 0 {
			t.Errorf("%s daemon received keys: %+v", node, loads)
		}
		if got := f.agents[node].AppliedEpoch(testTunnel); got != 0 {
			t.Errorf("%s applied epoch = %d, want 0", node, got)
		}
	}
	// node-a staged and was told to abort.
	if got := f.agents["node-a"].State(testTunnel); got != schema.AgentIdle {
		t.Errorf("node-a state = %s, want idle", got)
	}
	if want := f.clock.Now().Add(DefaultBackoffInitial); !f.tunnel(t, testTunnel).scheduled().Equal(want) {
		t.Errorf("retry at %v, want %v", f.tunnel(t, testTunnel).scheduled(), want)
	}
}

func TestRetryAfterFailureSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.setHook("node-b", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err == nil {
		t.Fatal("RunCycle succeeded with node-b unreachable")
	}
	if failures := f.tunnel(t, testTunnel).failureCount(); failures != 1 {
		t.Fatalf("failures = %d, want 1", failures)
	}

	f.transport.setHook("node-b", nil)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle after recovery: %v", err)
	}
	info := f.tunnel(t, testTunnel).Info()
	if info.State.Status != schema.TunnelEstablished || info.State.CurrentKeyEpoch != 1 || info.Failures != 0 || info.LastError != "" {
		t.Errorf("info = %+v", info)
	}
}

func TestCommitFailureReconciles(t *testing.T) {
	f := newFixture(t, nil)
	f.controllers["node-b"].FailNext(ipsec.OpLoadSharedKey, errors.New("daemon unreachable"))

	err := f.orchestrator.RunCycle(context.Background(), testTunnel)
	if !errors.Is(err, ErrAckFailed) {
		t.Fatalf("RunCycle error = %v, want ErrAckFailed", err)
	}
	if epoch := f.tunnel(t, testTunnel).Epoch(); epoch != 0 {
		t.Fatalf("epoch after partial commit = %d, want 0", epoch)
	}
	// node-a applied the key before node-b failed.
	if got := f.agents["node-a"].AppliedEpoch(testTunnel); got != 1 {
		t.Fatalf("node-a applied epoch = %d, want 1", got)
	}

	// The next cycle proposes epoch 1 again; node-a refuses it and
	// reports epoch 1, which moves the following cycle to epoch 2.
	err = f.orchestrator.RunCycle(context.Background(), testTunnel)
	var mismatch *EpochMismatchError
	if !errors.As(err, &mismatch) || !errors.Is(err, nodeagent.ErrEpochMismatch) {
		t.Fatalf("RunCycle error = %v, want EpochMismatchError", err)
	}
	if mismatch.Node != "node-a" || mismatch.AppliedEpoch != 1 {
		t.Errorf("mismatch = %+v", mismatch)
	}
	tunnel := f.tunnel(t, testTunnel)
	if !tunnel.scheduled().Equal(f.clock.Now()) {
		t.Errorf("reconciliation not scheduled immediately: %v", tunnel.scheduled())
	}
	select {
	case <-tunnel.trigger:
	default:
		t.Error("reconciliation did not trigger the loop")
	}

	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("reconciling cycle: %v", err)
	}
	if epoch := tunnel.Epoch(); epoch != 2 {
		t.Errorf("epoch = %d, want 2", epoch)
	}
	for _, node := range nodes {
		if got := f.agents[node].AppliedEpoch(testTunnel); got != 2 {
			t.Errorf("%s applied epoch = %d, want 2", node, got)
		}
	}
	if f.loadedKey("node-a", testTunnel) != f.loadedKey("node-b", testTunnel) {
		t.Error("nodes hold different keys after reconciliation")
	}
}

func TestDegradedModeDerivesPQCOnlyKey(t *testing.T) {
	f := newFixture(t, func(config *Config) { config.AllowPQCOnlyFallback = true })
	f.qkd.SetUnavailable(true)

	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	for _, node := range nodes {
		if got := f.loadedKey(node, testTunnel); got != degradedKey {
			t.Errorf("%s key = %s, want %s", node, got, degradedKey)
		}
	}
	if info := f.tunnel(t, testTunnel).Info(); info.Mode != string(keymix.ModeDegraded) {
		t.Errorf("Mode = %q, want %q", info.Mode, keymix.ModeDegraded)
	}
	metrics := f.orchestrator.Metrics()
	if metrics.CyclesDegraded != 1 || metrics.QKDUnavailable != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestQKDUnavailableDefersCycle(t *testing.T) {
	f := newFixture(t, nil)
	f.qkd.SetUnavailable(true)

	for attempt, wantDelay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		err := f.orchestrator.RunCycle(context.Background(), testTunnel)
		if !errors.Is(err, qkd.ErrUnavailable) {
			t.Fatalf("attempt %d: error = %v, want qkd.ErrUnavailable", attempt, err)
		}
		tunnel := f.tunnel(t, testTunnel)
		if status := tunnel.Status(); status != schema.TunnelDown {
			t.Errorf("attempt %d: status = %s, want down", attempt, status)
		}
		if want := f.clock.Now().Add(wantDelay); !tunnel.scheduled().Equal(want) {
			t.Errorf("attempt %d: next attempt %v, want %v", attempt, tunnel.scheduled(), want)
		}
	}

	metrics := f.orchestrator.Metrics()
	if metrics.EnvelopesSent != 0 {
		t.Errorf("EnvelopesSent = %d, want 0", metrics.EnvelopesSent)
	}
	if metrics.QKDUnavailable != 3 || metrics.CyclesFailed != 0 {
		t.Errorf("metrics = %+v", metrics)
	}
	if len(metrics.LastCycles) != 1 || metrics.LastCycles[0].Result != "deferred" {
		t.Errorf("LastCycles = %+v", metrics.LastCycles)
	}

	f.qkd.SetUnavailable(false)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle after QKD recovery: %v", err)
	}
	if got := f.loadedKey("node-a", testTunnel); got != hybridKey {
		t.Errorf("key = %s, want %s", got, hybridKey)
	}
}

func TestRestartRestoresState(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// The restarted orchestrator learns the tunnel from the store alone
	// and continues both the epoch and the envelope sequences.
	f.orchestrator = f.newOrchestrator(t, nil)
	tunnel := f.tunnel(t, testTunnel)
	if state := tunnel.State(); state.CurrentKeyEpoch != 1 || state.Status != schema.TunnelEstablished {
		t.Fatalf("restored state = %+v", state)
	}
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle after restart: %v", err)
	}
	if epoch := tunnel.Epoch(); epoch != 2 {
		t.Errorf("epoch = %d, want 2", epoch)
	}
	for _, node := range nodes {
		if got := f.agents[node].AppliedEpoch(testTunnel); got != 2 {
			t.Errorf("%s applied epoch = %d, want 2", node, got)
		}
	}
}

func TestRestoreFailsInterruptedCycle(t *testing.T) {
	f := newFixture(t, nil)
	spec := testSpec(testTunnel)
	if err := f.store.PutTunnel(context.Background(), StoredTunnel{
		Spec:   spec,
		Epoch:  3,
		Status: schema.TunnelRekeying,
	}); err != nil {
		t.Fatalf("PutTunnel: %v", err)
	}
	f.orchestrator = f.newOrchestrator(t, nil)
	state := f.tunnel(t, testTunnel).State()
	if state.Status != schema.TunnelFailed || state.CurrentKeyEpoch != 3 {
		t.Errorf("state = %+v, want failed at epoch 3", state)
	}
}

func TestPollReconcilesAgentAhead(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// Roll the orchestrator's record back, as a restore from an old
	// backup would.
	tunnel := f.tunnel(t, testTunnel)
	tunnel.restore(StoredTunnel{Spec: tunnel.Spec, Status: schema.TunnelEstablished})

	f.orchestrator.PollOnce(context.Background())
	select {
	case <-tunnel.trigger:
	default:
		t.Fatal("poll did not trigger reconciliation")
	}

	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if epoch := tunnel.Epoch(); epoch != 2 {
		t.Errorf("epoch = %d, want 2", epoch)
	}
}

func TestPollRecordsStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.controllers["node-a"].SetState(testIKE, schema.TunnelNegotiating)

	f.orchestrator.PollOnce(context.Background())

	peer, err := f.orchestrator.Registry().Peer("node-a")
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	report, seen, lastError := peer.Status()
	if report == nil || lastError != "" || !seen.Equal(start) {
		t.Fatalf("status = %+v, seen %v, error %q", report, seen, lastError)
	}
	entry, ok := report.Tunnel(testTunnel)
	if !ok || entry.SAState != schema.TunnelNegotiating || entry.IKEName != testIKE {
		t.Errorf("entry = %+v", entry)
	}
	if status := f.tunnel(t, testTunnel).Status(); status != schema.TunnelNegotiating {
		t.Errorf("tunnel status = %s, want negotiating", status)
	}
	if got := f.orchestrator.Metrics().QKDAvailable; got != 1 {
		t.Errorf("QKDAvailable = %d, want 1", got)
	}
}

func TestPollRecordsUnreachableAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.setHook("node-b", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	f.qkd.SetUnavailable(true)

	f.orchestrator.PollOnce(context.Background())

	peer, _ := f.orchestrator.Registry().Peer("node-b")
	if _, _, lastError := peer.Status(); !strings.Contains(lastError, "connection refused") {
		t.Errorf("last error = %q, want the delivery failure", lastError)
	}
	if got := f.orchestrator.Metrics().QKDAvailable; got != -1 {
		t.Errorf("QKDAvailable = %d, want -1", got)
	}
}

func TestRunKeysNegotiatedTunnelAndRekeysWhenDown(t *testing.T) {
	f := newFixture(t, nil)
	for _, node := range nodes {
		f.controllers[node].SetState(testIKE, schema.TunnelEstablished)
	}
	f.orchestrator.PollOnce(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orchestrator.Run(ctx) }()

	tunnel := f.tunnel(t, testTunnel)
	waitUntil(t, "first key", func() bool { return tunnel.Epoch() == 1 })

	f.controllers["node-b"].SetState(testIKE, schema.TunnelDown)
	f.orchestrator.PollOnce(context.Background())
	waitUntil(t, "out-of-cycle rekey", func() bool { return tunnel.Epoch() == 2 })

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run did not stop"); err != nil {
		t.Errorf("Run: %v", err)
	}
	if got := f.loadedKey("node-b", testTunnel); got != f.loadedKey("node-a", testTunnel) {
		t.Error("nodes hold different keys")
	}
}

func TestRunWaitsForNegotiation(t *testing.T) {
	f := newFixture(t, nil)
	f.reportSA(t, schema.TunnelDown)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orchestrator.Run(ctx) }()

	// The loop parks for a status interval, then the poller ticker and
	// the loop timer are both pending.
	tunnel := f.tunnel(t, testTunnel)
	waitUntil(t, "loop parked", func() bool {
		return tunnel.scheduled().Equal(start.Add(DefaultStatusInterval))
	})
	f.clock.WaitForTimers(2)

	if epoch := tunnel.Epoch(); epoch != 0 {
		t.Errorf("epoch = %d before negotiation, want 0", epoch)
	}
	if issued := f.qkd.Issued(); issued != 0 {
		t.Errorf("QKD keys fetched before negotiation: %d", issued)
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run did not stop")
}

func TestRunCycleRefusesFirstKeyBeforeNegotiation(t *testing.T) {
	f := newFixture(t, nil)
	f.reportSA(t, schema.TunnelDown)

	err := f.orchestrator.RunCycle(context.Background(), testTunnel)
	if !errors.Is(err, ErrNotNegotiated) {
		t.Fatalf("RunCycle error = %v, want ErrNotNegotiated", err)
	}
	for _, node := range nodes {
		if loads := f.controllers[node].Loads(); len(loads) != 0 {
			t.Errorf("%s daemon received a first key before negotiation: %+v", node, loads)
		}
	}
	tunnel := f.tunnel(t, testTunnel)
	if state := tunnel.State(); state.Status != schema.TunnelDown || state.CurrentKeyEpoch != 0 {
		t.Errorf("state = %+v, want down at epoch 0", state)
	}
	if want := start.Add(DefaultStatusInterval); !tunnel.scheduled().Equal(want) {
		t.Errorf("next attempt = %v, want %v", tunnel.scheduled(), want)
	}
	metrics := f.orchestrator.Metrics()
	if metrics.CyclesStarted != 0 || metrics.EnvelopesSent != 0 || f.qkd.Issued() != 0 {
		t.Errorf("metrics = %+v, QKD issued %d", metrics, f.qkd.Issued())
	}

	// Once one side has a key, later cycles no longer wait.
	f.reportSA(t, schema.TunnelEstablished)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle after negotiation: %v", err)
	}
	f.reportSA(t, schema.TunnelDown)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle on a keyed tunnel: %v", err)
	}
	if epoch := tunnel.Epoch(); epoch != 2 {
		t.Errorf("epoch = %d, want 2", epoch)
	}
}

func TestPollReconcilesAgentAheadOfEmptyRecord(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// A restarted orchestrator that lost its store sees a fresh tunnel
	// while both agents hold epoch 1 and the daemons are down.
	tunnel := f.tunnel(t, testTunnel)
	tunnel.restore(StoredTunnel{Spec: tunnel.Spec, Status: schema.TunnelDown})
	f.reportSA(t, schema.TunnelDown)

	f.orchestrator.evaluate(tunnel)
	if tunnel.awaitingFirstKey() {
		t.Fatal("agent-reported epoch was not reconciled")
	}
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if epoch := tunnel.Epoch(); epoch != 2 {
		t.Errorf("epoch = %d, want 2", epoch)
	}
}

func TestTerminate(t *testing.T) {
	f := newFixture(t, nil)
	for _, node := range nodes {
		f.controllers[node].SetState(testIKE, schema.TunnelEstablished)
	}
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := f.orchestrator.Terminate(context.Background(), testTunnel); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	tunnel := f.tunnel(t, testTunnel)
	if state := tunnel.State(); state.Status != schema.TunnelDown || state.CurrentKeyEpoch != 1 {
		t.Errorf("state = %+v, want down at epoch 1", state)
	}

	// Both daemons renegotiate with the loaded key.
	for _, node := range nodes {
		f.controllers[node].SetState(testIKE, schema.TunnelEstablished)
	}
	f.orchestrator.PollOnce(context.Background())
	if status := tunnel.Status(); status != schema.TunnelEstablished {
		t.Errorf("status after renegotiation = %s, want established", status)
	}
}

func TestDeregisterTunnel(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := f.orchestrator.DeregisterTunnel(context.Background(), testTunnel); err != nil {
		t.Fatalf("DeregisterTunnel: %v", err)
	}
	if _, err := f.orchestrator.Registry().Tunnel(testTunnel); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("Tunnel after deregister: %v, want ErrUnknownTunnel", err)
	}
	stored, err := f.store.Tunnels(context.Background())
	if err != nil {
		t.Fatalf("Tunnels: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("stored tunnels = %+v", stored)
	}
	if err := f.orchestrator.RunCycle(context.Background(), testTunnel); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("RunCycle on deregistered tunnel: %v", err)
	}
	// The daemons keep the last key.
	if got := f.loadedKey("node-a", testTunnel); got != hybridKey {
		t.Errorf("node-a key = %s", got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t, nil)
	base := Config{
		Identity:  f.identity,
		Registry:  NewRegistry(),
		Transport: f.transport,
		QKD:       f.qkd,
		PQC:       &fixedPQC{secret: bytes.Repeat([]byte{0x22}, 32)},
	}
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no identity", func(c *Config) { c.Identity = nil }},
		{"no registry", func(c *Config) { c.Registry = nil }},
		{"no transport", func(c *Config) { c.Transport = nil }},
		{"no QKD source", func(c *Config) { c.QKD = nil }},
		{"no PQC generator", func(c *Config) { c.PQC = nil }},
		{"empty PQC secret", func(c *Config) { c.PQC = &fixedPQC{} }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := base
			test.modify(&config)
			if _, err := New(context.Background(), config); err == nil {
				t.Error("New succeeded")
			}
		})
	}
}

func TestAckError(t *testing.T) {
	peer, err := NewPeer("node-a", "unix:///unused/node-a.sock", generateIdentity(t, "node-a").Public(), 0)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}

	err = ackError(peer, &schema.Ack{Op: schema.OpCommit, Epoch: 3, Result: schema.AckEpochMismatch, AppliedEpoch: 4}, schema.AckConfirmed)
	var mismatch *EpochMismatchError
	if !errors.As(err, &mismatch) || mismatch.AppliedEpoch != 4 {
		t.Errorf("epoch mismatch ack: %v", err)
	}

	err = ackError(peer, &schema.Ack{Op: schema.OpCommit, Result: schema.AckStaged}, schema.AckConfirmed)
	if !errors.Is(err, ErrAckFailed) || !strings.Contains(err.Error(), "answered staged, want confirmed") {
		t.Errorf("wrong success verdict: %v", err)
	}

	err = ackError(peer, &schema.Ack{Op: schema.OpCommit, Result: schema.AckFailed, Error: "daemon unreachable"}, schema.AckConfirmed)
	if !errors.Is(err, ErrAckFailed) || !strings.Contains(err.Error(), "daemon unreachable") {
		t.Errorf("failed ack: %v", err)
	}
}
