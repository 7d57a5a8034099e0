// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/service"
)

// Action names served by the agent.
const (
	ActionDeliver  = "deliver"
	ActionIdentity = "identity"
)

// RegisterActions registers the agent's handlers on server.
func (a *Agent) RegisterActions(server *service.SocketServer) {
	server.Handle(ActionDeliver, a.handleDeliver)
	server.Handle(ActionIdentity, a.handleIdentity)
}

// handleDeliver carries one envelope in and the signed ack out.
// Rejections come back as coded errors (see ErrorCode).
func (a *Agent) handleDeliver(ctx context.Context, raw []byte) (any, error) {
	var request schema.DeliverRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if len(request.Envelope) == 0 {
		return nil, errors.New("envelope is required")
	}
	sealed, err := a.Deliver(ctx, request.Envelope)
	if err != nil {
		return nil, err
	}
	return schema.DeliverResponse{Envelope: sealed}, nil
}

// handleIdentity returns the agent's public identity for enrollment.
func (a *Agent) handleIdentity(ctx context.Context, raw []byte) (any, error) {
	public := a.identity.Public()
	encoded, err := public.MarshalPublic()
	if err != nil {
		return nil, err
	}
	return schema.IdentityResponse{
		Node:        public.ID,
		Identity:    encoded,
		Fingerprint: public.Fingerprint(),
	}, nil
}
