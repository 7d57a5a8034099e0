// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/replay"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/service"
	"github.com/bureau-foundation/keywarden/lib/testutil"
)

// serveAgent runs the agent's actions on a unix socket and returns a
// client for it.
func serveAgent(t *testing.T, agent *Agent) *service.ServiceClient {
	t.Helper()
	socketPath := testutil.SocketPath(t, "agent.sock")
	server := service.NewSocketServer("unix", socketPath, nil)
	agent.RegisterActions(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "agent server did not stop")
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "agent server ready")

	client, err := service.NewServiceClient("unix://"+socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("NewServiceClient: %v", err)
	}
	return client
}

func TestIdentityAction(t *testing.T) {
	f := newFixture(t)
	client := serveAgent(t, f.agent)

	var response schema.IdentityResponse
	if err := client.Call(context.Background(), ActionIdentity, nil, &response); err != nil {
		t.Fatalf("Call identity: %v", err)
	}
	if response.Node != "node-a" {
		t.Errorf("Node = %q", response.Node)
	}
	public, err := pqc.UnmarshalPublicIdentity(response.Identity)
	if err != nil {
		t.Fatalf("UnmarshalPublicIdentity: %v", err)
	}
	if public.Fingerprint() != f.node.Public().Fingerprint() || response.Fingerprint != public.Fingerprint() {
		t.Errorf("fingerprint mismatch: response %s, identity %s", response.Fingerprint, public.Fingerprint())
	}
}

func TestDeliverAction(t *testing.T) {
	f := newFixture(t)
	client := serveAgent(t, f.agent)
	data := f.seal(t, 1, stageMessage(1, testKey(0x10)))

	var response schema.DeliverResponse
	if err := client.Call(context.Background(), ActionDeliver, map[string]any{"envelope": data}, &response); err != nil {
		t.Fatalf("Call deliver: %v", err)
	}
	_, plaintext, err := f.codec.OpenBytes(response.Envelope, f.node.Public(), f.orchestrator)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	var ack schema.Ack
	if err := codec.Unmarshal(plaintext, &ack); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ack.Result != schema.AckStaged {
		t.Errorf("Result = %q, want staged", ack.Result)
	}

	// The replay comes back as a coded service error.
	err = client.Call(context.Background(), ActionDeliver, map[string]any{"envelope": data}, &response)
	var serviceErr *service.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *service.ServiceError, got %v", err)
	}
	if serviceErr.Code != CodeReplay || !errors.Is(CodeError(serviceErr.Code), replay.ErrReplay) {
		t.Errorf("Code = %q, want %q", serviceErr.Code, CodeReplay)
	}
}

func TestDeliverActionRequiresEnvelope(t *testing.T) {
	f := newFixture(t)
	client := serveAgent(t, f.agent)
	err := client.Call(context.Background(), ActionDeliver, nil, nil)
	var serviceErr *service.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *service.ServiceError, got %v", err)
	}
}
