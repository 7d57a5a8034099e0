// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/keywarden/lib/codec"
)

// ActionFunc processes a request for a specific action. The raw
// parameter is the full CBOR request (including the "action" field).
// The handler decodes action-specific fields from this raw message.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}. If non-nil, the value is marshaled as
// CBOR and placed in the response's "data" field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the wire-format envelope for all protocol responses.
// Handlers return a result value (or nil) and an error; the server
// wraps these into a Response before encoding.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// CodedError is implemented by handler errors that carry a stable
// machine-readable code. The code travels in the response next to the
// human-readable message and surfaces on the client as
// [ServiceError.Code].
type CodedError interface {
	error
	Code() string
}

// SocketServer serves a CBOR request-response protocol on a TCP or
// Unix stream listener. Each connection handles exactly one
// request-response cycle: the client writes a CBOR value, the server
// processes it and writes a CBOR response, then the connection closes.
//
// Actions are registered with Handle before calling Serve. Unknown
// actions receive an error response.
type SocketServer struct {
	network  string
	address  string
	handlers map[string]ActionFunc
	logger   *slog.Logger

	ready     chan struct{}
	addrMutex sync.Mutex
	addr      net.Addr

	// activeConnections tracks in-flight request handlers for graceful
	// shutdown. Serve waits for all active connections to complete
	// before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on the given
// network ("tcp" or "unix") and address. Register actions with Handle
// before calling Serve. A nil logger discards output.
func NewSocketServer(network, address string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		network:  network,
		address:  address,
		handlers: make(map[string]ActionFunc),
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// Handle registers a handler for the given action name. Panics if
// called after Serve has started or if the action is already
// registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready is closed once the listener is bound and Addr is valid.
func (s *SocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address, or nil before Ready is
// closed. For "tcp" listeners on port 0 this carries the chosen port.
func (s *SocketServer) Addr() net.Addr {
	s.addrMutex.Lock()
	defer s.addrMutex.Unlock()
	return s.addr
}

// Serve starts accepting connections and dispatches requests to
// registered action handlers. Blocks until ctx is cancelled, then
// stops accepting new connections and waits for active handlers to
// complete.
//
// For Unix sockets, any existing socket file at the configured path
// is removed before listening, the new socket is restricted to the
// owner, and the file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.address, err)
		}
	}

	listener, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.network, s.address, err)
	}
	defer func() {
		listener.Close()
		if s.network == "unix" {
			os.Remove(s.address)
		}
	}()

	if s.network == "unix" {
		if err := os.Chmod(s.address, 0o600); err != nil {
			return fmt.Errorf("restricting socket %s: %w", s.address, err)
		}
	}

	s.addrMutex.Lock()
	s.addr = listener.Addr()
	s.addrMutex.Unlock()
	close(s.ready)

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening",
		"network", s.network,
		"address", listener.Addr().String(),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its request.
// A well-behaved client sends the request immediately after connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request. The
// largest request is a stage envelope carrying an ML-DSA-87 signature
// and an ML-KEM-1024 ciphertext, well under 16 KB.
const maxRequestSize = 1024 * 1024

type peerKey struct{}

// PeerAddress returns the remote address of the connection serving
// the request, for logging. Empty outside a handler.
func PeerAddress(ctx context.Context) string {
	address, _ := ctx.Value(peerKey{}).(string)
	return address
}

// handleConnection processes one request-response cycle.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// CBOR is self-delimiting so no framing protocol is needed.
	// LimitReader prevents a client from exhausting memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err), "")
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err), "")
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action", "")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action), "")
		return
	}

	remote := ""
	if conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	result, err := handler(context.WithValue(ctx, peerKey{}, remote), []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"peer_address", remote,
			"error", err,
		)
		var coded CodedError
		code := ""
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		s.writeError(conn, err.Error(), code)
		return
	}

	s.writeSuccess(conn, result)
}

// writeError sends a failure response: {ok: false, error: "..."}.
// Write failures are logged at debug level: the connection is closing
// regardless.
func (s *SocketServer) writeError(conn net.Conn, message, code string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
		Code:  code,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends a success response. If result is nil, the
// response is {ok: true}. If non-nil, the value is marshaled as CBOR
// and placed in the "data" field: {ok: true, data: <cbor>}.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}

	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err), "")
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
