// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/bureau-foundation/keywarden/lib/codec"
)

// DefaultRequestTimeout bounds one Call when the client was built
// without an explicit timeout.
const DefaultRequestTimeout = 10 * time.Second

// dialTimeout is the maximum time to wait for a connection. It covers
// only the connect phase and is further bounded by the request timeout.
const dialTimeout = 5 * time.Second

// maxResponseSize is the maximum size of a single CBOR response.
// Matches the server's maxRequestSize for symmetry.
const maxResponseSize = 1024 * 1024

// ServiceError is returned by Call when the server responds with
// ok=false. It wraps the server's error message, its optional code,
// and the action that failed.
type ServiceError struct {
	Action  string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("service error on %q (%s): %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// ServiceClient sends CBOR requests to a keywarden endpoint. Each Call
// opens a new connection (matching the server's one-request-per-
// connection model), sends the request, reads the response, and
// closes the connection.
type ServiceClient struct {
	network string
	address string
	timeout time.Duration
}

// NewServiceClient creates a client for an endpoint in the form
// accepted by [ParseEndpoint]. A zero timeout selects
// [DefaultRequestTimeout].
func NewServiceClient(endpoint string, timeout time.Duration) (*ServiceClient, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &ServiceClient{network: network, address: address, timeout: timeout}, nil
}

// Endpoint returns the endpoint in canonical "network://address" form.
func (c *ServiceClient) Endpoint() string {
	return FormatEndpoint(c.network, c.address)
}

// Call sends a CBOR request to the service and decodes the response.
//
// The fields parameter may contain any handler-specific request
// fields; the client adds "action" automatically. Pass nil for
// actions that take no additional parameters.
//
// On success (response ok=true), if result is non-nil and the
// response contains data, the data is CBOR-decoded into result.
//
// On failure (response ok=false), returns a *ServiceError containing
// the server's error message. Connection and encoding errors are
// returned as plain errors (not *ServiceError).
func (c *ServiceClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.Endpoint(), err)
	}

	if !response.OK {
		return &ServiceError{
			Action:  action,
			Code:    response.Code,
			Message: response.Error,
		}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}

	return nil
}

// send connects, writes the request, and reads the response. Each call
// creates a new connection. Context cancellation closes the connection
// so a blocked read returns promptly.
func (c *ServiceClient) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", contextError(ctx, err))
	}

	// Half-close the write side so the server's read side sees EOF
	// cleanly.
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		closer.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", contextError(ctx, err))
	}

	return &response, nil
}

// contextError prefers the context's error when the connection failed
// because the context ended, so callers can test for
// context.DeadlineExceeded. The connection deadline equals the context
// deadline, so a connection timeout waits for the context to catch up.
func contextError(ctx context.Context, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		<-ctx.Done()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
