// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/keywarden/lib/nodeagent"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/service"
)

// Transport carries one wire envelope to a peer's agent and returns
// the agent's wire-encoded ack envelope.
type Transport interface {
	Deliver(ctx context.Context, peer *Peer, envelope []byte) ([]byte, error)
}

// ServiceTransport delivers envelopes through the agent's "deliver"
// action. Agent rejections come back wrapping the sentinel for their
// wire code, so callers can test them with errors.Is.
type ServiceTransport struct {
	timeout time.Duration

	mutex   sync.Mutex
	clients map[string]*service.ServiceClient
}

// NewServiceTransport returns a transport whose calls are bounded by
// timeout (zero selects service.DefaultRequestTimeout).
func NewServiceTransport(timeout time.Duration) *ServiceTransport {
	return &ServiceTransport{timeout: timeout, clients: make(map[string]*service.ServiceClient)}
}

func (t *ServiceTransport) client(peer *Peer) (*service.ServiceClient, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if client, ok := t.clients[peer.ID]; ok {
		return client, nil
	}
	client, err := service.NewServiceClient(peer.Endpoint, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", peer.ID, err)
	}
	t.clients[peer.ID] = client
	return client, nil
}

// Deliver implements Transport.
func (t *ServiceTransport) Deliver(ctx context.Context, peer *Peer, envelope []byte) ([]byte, error) {
	client, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	var response schema.DeliverResponse
	err = client.Call(ctx, nodeagent.ActionDeliver, map[string]any{"envelope": envelope}, &response)
	if err != nil {
		var serviceErr *service.ServiceError
		if errors.As(err, &serviceErr) {
			if sentinel := nodeagent.CodeError(serviceErr.Code); sentinel != nil {
				return nil, fmt.Errorf("node %s: %w: %w", peer.ID, sentinel, serviceErr)
			}
		}
		return nil, fmt.Errorf("node %s: %w", peer.ID, err)
	}
	if len(response.Envelope) == 0 {
		return nil, fmt.Errorf("node %s: empty ack envelope", peer.ID)
	}
	return response.Envelope, nil
}
