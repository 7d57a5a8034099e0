// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/testutil"
)

// startServer runs server.Serve in the background and waits for the
// listener. The returned function cancels the server and waits for
// Serve to return.
func startServer(t *testing.T, server *SocketServer) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")
	stopped := false
	var serveErr error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			serveErr = testutil.RequireReceive(t, serveDone, 5*time.Second, "Serve did not return after cancellation")
		}
		return serveErr
	}
	t.Cleanup(func() { stop() })
	return stop
}

// sendRequest dials the server, sends a CBOR request, and returns the
// decoded response.
func sendRequest(t *testing.T, server *SocketServer, request any) Response {
	t.Helper()

	addr := server.Addr()
	conn, err := net.DialTimeout(addr.Network(), addr.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return response
}

func TestSocketServerUnix(t *testing.T) {
	socketPath := testutil.SocketPath(t, "agent.sock")
	server := NewSocketServer("unix", socketPath, nil)
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]any{"tunnels": 3}, nil
	})
	stop := startServer(t, server)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("socket mode = %v, want 0600", info.Mode().Perm())
	}

	response := sendRequest(t, server, map[string]string{"action": "status"})
	if !response.OK {
		t.Fatalf("expected ok=true, got error %q", response.Error)
	}
	var data map[string]any
	if err := codec.Unmarshal(response.Data, &data); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if data["tunnels"] != uint64(3) {
		t.Errorf("tunnels = %v (%T), want 3", data["tunnels"], data["tunnels"])
	}

	if err := stop(); err != nil {
		t.Errorf("Serve returned error: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not cleaned up after Serve returned")
	}
}

func TestSocketServerTCP(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Value string `cbor:"value"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]string{"value": request.Value, "peer": PeerAddress(ctx)}, nil
	})
	startServer(t, server)

	if server.Addr() == nil {
		t.Fatal("Addr is nil after Ready")
	}

	response := sendRequest(t, server, map[string]string{"action": "echo", "value": "hello"})
	if !response.OK {
		t.Fatalf("expected ok=true, got error %q", response.Error)
	}
	var data map[string]string
	if err := codec.Unmarshal(response.Data, &data); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if data["value"] != "hello" {
		t.Errorf("value = %q, want hello", data["value"])
	}
	if data["peer"] == "" {
		t.Error("handler saw empty PeerAddress")
	}
}

func TestSocketServerUnknownAction(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
	startServer(t, server)

	response := sendRequest(t, server, map[string]string{"action": "nonexistent"})
	if response.OK {
		t.Errorf("expected ok=false, got true")
	}
	if response.Error == "" {
		t.Error("expected error message for unknown action")
	}
}

func TestSocketServerMissingAction(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	startServer(t, server)

	response := sendRequest(t, server, map[string]string{"foo": "bar"})
	if response.OK {
		t.Errorf("expected ok=false, got true")
	}
}

func TestSocketServerInvalidCBOR(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	startServer(t, server)

	addr := server.Addr()
	conn, err := net.DialTimeout(addr.Network(), addr.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()

	// 0xff is a CBOR "break" outside an indefinite-length item.
	if _, err := conn.Write([]byte{0xff}); err != nil {
		t.Fatalf("writing: %v", err)
	}
	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if response.OK {
		t.Error("expected ok=false for invalid CBOR")
	}
}

type testCodedError struct{}

func (testCodedError) Error() string { return "epoch 3 is not newer than 5" }
func (testCodedError) Code() string  { return "epoch_mismatch" }

func TestSocketServerErrorCode(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	server.Handle("coded", func(ctx context.Context, raw []byte) (any, error) {
		return nil, testCodedError{}
	})
	server.Handle("plain", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("boom")
	})
	startServer(t, server)

	response := sendRequest(t, server, map[string]string{"action": "coded"})
	if response.OK || response.Code != "epoch_mismatch" {
		t.Errorf("coded response = %+v, want ok=false code=epoch_mismatch", response)
	}
	response = sendRequest(t, server, map[string]string{"action": "plain"})
	if response.OK || response.Code != "" || response.Error != "boom" {
		t.Errorf("plain response = %+v, want ok=false error=boom without code", response)
	}
}

func TestSocketServerGracefulShutdown(t *testing.T) {
	server := NewSocketServer("unix", testutil.SocketPath(t, "slow.sock"), nil)

	handlerStarted := make(chan struct{})
	handlerRelease := make(chan struct{})
	server.Handle("slow", func(ctx context.Context, raw []byte) (any, error) {
		close(handlerStarted)
		<-handlerRelease
		return map[string]any{"completed": true}, nil
	})
	stop := startServer(t, server)

	responseChan := make(chan Response, 1)
	go func() {
		responseChan <- sendRequest(t, server, map[string]string{"action": "slow"})
	}()

	testutil.RequireClosed(t, handlerStarted, 5*time.Second, "handler started")

	stopDone := make(chan error, 1)
	go func() { stopDone <- stop() }()
	close(handlerRelease)

	response := testutil.RequireReceive(t, responseChan, 5*time.Second, "in-flight response")
	if !response.OK {
		t.Errorf("expected ok=true for in-flight request, got false")
	}
	if err := testutil.RequireReceive(t, stopDone, 5*time.Second, "stop"); err != nil {
		t.Errorf("Serve returned error: %v", err)
	}
}

func TestSocketServerConcurrentRequests(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	var mutex sync.Mutex
	count := 0
	server.Handle("count", func(ctx context.Context, raw []byte) (any, error) {
		mutex.Lock()
		defer mutex.Unlock()
		count++
		return nil, nil
	})
	startServer(t, server)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if response := sendRequest(t, server, map[string]string{"action": "count"}); !response.OK {
				t.Errorf("request failed: %s", response.Error)
			}
		}()
	}
	wg.Wait()

	mutex.Lock()
	defer mutex.Unlock()
	if count != 16 {
		t.Errorf("count = %d, want 16", count)
	}
}

func TestSocketServerDuplicateHandlerPanics(t *testing.T) {
	server := NewSocketServer("tcp", "127.0.0.1:0", nil)
	server.Handle("foo", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})

	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate handler")
		}
	}()
	server.Handle("foo", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
}

func TestPeerAddressOutsideHandler(t *testing.T) {
	if got := PeerAddress(context.Background()); got != "" {
		t.Errorf("PeerAddress = %q, want empty", got)
	}
}
