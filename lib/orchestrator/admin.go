// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/service"
)

// Admin action names.
const (
	ActionListTunnels      = "list-tunnels"
	ActionRekey            = "rekey"
	ActionRegisterTunnel   = "register-tunnel"
	ActionDeregisterTunnel = "deregister-tunnel"
	ActionDeregisterNode   = "deregister-node"
	ActionTerminate        = "terminate"
	ActionMetrics          = "metrics"
	ActionIdentity         = "identity"
)

// Admin error codes.
const (
	CodeUnknownTunnel = "unknown_tunnel"
	CodeTunnelExists  = "tunnel_exists"
	CodeUnknownPeer   = "unknown_node"
	CodeQKDDeferred   = "qkd_unavailable"
	CodeNotNegotiated = "not_negotiated"
	CodeNodeInUse     = "node_in_use"
)

// adminError attaches a wire code to an admin failure.
type adminError struct {
	err  error
	code string
}

func (e *adminError) Error() string { return e.err.Error() }
func (e *adminError) Unwrap() error { return e.err }
func (e *adminError) Code() string  { return e.code }

// coded wraps err with the admin code its sentinel maps to.
func coded(err error) error {
	switch {
	case errors.Is(err, ErrUnknownTunnel):
		return &adminError{err: err, code: CodeUnknownTunnel}
	case errors.Is(err, ErrTunnelExists):
		return &adminError{err: err, code: CodeTunnelExists}
	case errors.Is(err, ErrUnknownPeer):
		return &adminError{err: err, code: CodeUnknownPeer}
	case errors.Is(err, errDeferred):
		return &adminError{err: err, code: CodeQKDDeferred}
	case errors.Is(err, ErrNotNegotiated):
		return &adminError{err: err, code: CodeNotNegotiated}
	case errors.Is(err, ErrPeerInUse):
		return &adminError{err: err, code: CodeNodeInUse}
	}
	return err
}

// RegisterActions registers the admin handlers on server.
func (o *Orchestrator) RegisterActions(server *service.SocketServer) {
	server.Handle(ActionListTunnels, o.handleListTunnels)
	server.Handle(ActionRekey, o.handleRekey)
	server.Handle(ActionRegisterTunnel, o.handleRegisterTunnel)
	server.Handle(ActionDeregisterTunnel, o.handleDeregisterTunnel)
	server.Handle(ActionDeregisterNode, o.handleDeregisterNode)
	server.Handle(ActionTerminate, o.handleTerminate)
	server.Handle(ActionMetrics, o.handleMetrics)
	server.Handle(ActionIdentity, o.handleIdentity)
}

func (o *Orchestrator) handleListTunnels(ctx context.Context, raw []byte) (any, error) {
	return schema.ListTunnelsResponse{Tunnels: o.ListTunnels()}, nil
}

// handleRekey runs a cycle for the tunnel and waits for it. The
// response carries the tunnel's row after the cycle, success or not.
func (o *Orchestrator) handleRekey(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeTunnelRequest(raw)
	if err != nil {
		return nil, err
	}
	o.logger.Info("operator rekey requested", "tunnel_id", request.Tunnel)
	if err := o.RunCycle(ctx, request.Tunnel); err != nil {
		return nil, coded(err)
	}
	tunnel, err := o.registry.Tunnel(request.Tunnel)
	if err != nil {
		return nil, coded(err)
	}
	return schema.TunnelResponse{Tunnel: tunnel.Info()}, nil
}

func (o *Orchestrator) handleRegisterTunnel(ctx context.Context, raw []byte) (any, error) {
	var request schema.RegisterTunnelRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	tunnel, err := o.RegisterTunnel(ctx, request.Spec)
	if err != nil {
		return nil, coded(err)
	}
	return schema.TunnelResponse{Tunnel: tunnel.Info()}, nil
}

func (o *Orchestrator) handleDeregisterTunnel(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeTunnelRequest(raw)
	if err != nil {
		return nil, err
	}
	if err := o.DeregisterTunnel(ctx, request.Tunnel); err != nil {
		return nil, coded(err)
	}
	return nil, nil
}

// handleDeregisterNode refuses while the node still owns a tunnel.
func (o *Orchestrator) handleDeregisterNode(ctx context.Context, raw []byte) (any, error) {
	var request schema.NodeRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if request.Node == "" {
		return nil, errors.New("node is required")
	}
	if err := o.DeregisterNode(ctx, request.Node); err != nil {
		return nil, coded(err)
	}
	return nil, nil
}

func (o *Orchestrator) handleTerminate(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeTunnelRequest(raw)
	if err != nil {
		return nil, err
	}
	if err := o.Terminate(ctx, request.Tunnel); err != nil {
		return nil, coded(err)
	}
	tunnel, err := o.registry.Tunnel(request.Tunnel)
	if err != nil {
		return nil, coded(err)
	}
	return schema.TunnelResponse{Tunnel: tunnel.Info()}, nil
}

func (o *Orchestrator) handleMetrics(ctx context.Context, raw []byte) (any, error) {
	return o.Metrics(), nil
}

// handleIdentity returns the orchestrator's public identity so
// operators can provision agents with it.
func (o *Orchestrator) handleIdentity(ctx context.Context, raw []byte) (any, error) {
	public := o.identity.Public()
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

func decodeTunnelRequest(raw []byte) (schema.TunnelRequest, error) {
	var request schema.TunnelRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	if request.Tunnel == "" {
		return request, errors.New("tunnel is required")
	}
	return request, nil
}
