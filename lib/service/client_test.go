// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/testutil"
)

func newTestClient(t *testing.T, server *SocketServer, timeout time.Duration) *ServiceClient {
	t.Helper()
	addr := server.Addr()
	client, err := NewServiceClient(FormatEndpoint(addr.Network(), addr.String()), timeout)
	if err != nil {
		t.Fatalf("NewServiceClient: %v", err)
	}
	return client
}

func TestClientCall(t *testing.T) {
	server := NewSocketServer("unix", testutil.SocketPath(t, "client.sock"), nil)
	server.Handle("identity", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Node string `cbor:"node"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]string{"node": request.Node, "fingerprint": "abcd"}, nil
	})
	startServer(t, server)

	client := newTestClient(t, server, 0)
	var result map[string]string
	if err := client.Call(context.Background(), "identity", map[string]any{"node": "node-a"}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["node"] != "node-a" || result["fingerprint"] != "abcd" {
		t.Errorf("result = %v", result)
	}
}

func TestClientCallNilResult(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	server.Handle("rekey", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]string{"ignored": "yes"}, nil
	})
	startServer(t, server)

	client := newTestClient(t, server, 0)
	if err := client.Call(context.Background(), "rekey", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestClientCallServiceError(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	server.Handle("deliver", func(ctx context.Context, raw []byte) (any, error) {
		return nil, testCodedError{}
	})
	startServer(t, server)

	client := newTestClient(t, server, 0)
	err := client.Call(context.Background(), "deliver", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if serviceErr.Action != "deliver" {
		t.Errorf("Action = %q, want deliver", serviceErr.Action)
	}
	if serviceErr.Code != "epoch_mismatch" {
		t.Errorf("Code = %q, want epoch_mismatch", serviceErr.Code)
	}
	if serviceErr.Message != "epoch 3 is not newer than 5" {
		t.Errorf("Message = %q", serviceErr.Message)
	}
}

func TestClientCallUnknownAction(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	startServer(t, server)

	client := newTestClient(t, server, 0)
	err := client.Call(context.Background(), "nonexistent", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
}

func TestClientCallConnectionRefused(t *testing.T) {
	client, err := NewServiceClient("unix://"+testutil.SocketPath(t, "absent.sock"), 0)
	if err != nil {
		t.Fatalf("NewServiceClient: %v", err)
	}
	err = client.Call(context.Background(), "identity", nil, nil)
	if err == nil {
		t.Fatal("expected error for missing socket")
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		t.Error("connection failure should not be a *ServiceError")
	}
}

func TestClientCallTimeout(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	release := make(chan struct{})
	server.Handle("hang", func(ctx context.Context, raw []byte) (any, error) {
		<-release
		return nil, nil
	})
	startServer(t, server)
	// Registered after startServer so it runs before the server stops.
	t.Cleanup(func() { close(release) })

	client := newTestClient(t, server, 50*time.Millisecond)
	err := client.Call(context.Background(), "hang", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			N int `cbor:"n"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]int{"n": request.N}, nil
	})
	startServer(t, server)

	client := newTestClient(t, server, 0)
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var result map[string]int
			if err := client.Call(context.Background(), "echo", map[string]any{"n": i}, &result); err != nil {
				t.Errorf("Call %d: %v", i, err)
				return
			}
			if result["n"] != i {
				t.Errorf("Call %d returned %d", i, result["n"])
			}
		}()
	}
	wg.Wait()
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		network  string
		address  string
		wantErr  bool
	}{
		{endpoint: "unix:///run/keywarden/agent.sock", network: "unix", address: "/run/keywarden/agent.sock"},
		{endpoint: "/run/keywarden/admin.sock", network: "unix", address: "/run/keywarden/admin.sock"},
		{endpoint: "tcp://10.0.0.5:7443", network: "tcp", address: "10.0.0.5:7443"},
		{endpoint: "[::1]:7443", network: "tcp", address: "[::1]:7443"},
		{endpoint: "", wantErr: true},
		{endpoint: "unix://", wantErr: true},
		{endpoint: "tcp://no-port", wantErr: true},
		{endpoint: "https://kme.example:443", wantErr: true},
		{endpoint: "relative/path.sock", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.endpoint, func(t *testing.T) {
			network, address, err := ParseEndpoint(test.endpoint)
			if test.wantErr {
				if !errors.Is(err, ErrInvalidEndpoint) {
					t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint: %v", err)
			}
			if network != test.network || address != test.address {
				t.Errorf("got (%q, %q), want (%q, %q)", network, address, test.network, test.address)
			}
			if FormatEndpoint(network, address) == "" {
				t.Error("FormatEndpoint returned empty string")
			}
		})
	}
}
