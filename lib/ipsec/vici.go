// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipsec

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strongswan/govici/vici"

	"github.com/bureau-foundation/keywarden/lib/schema"
)

// DefaultVICISocket is charon's default VICI socket.
const DefaultVICISocket = "/var/run/charon.vici"

// VICI controls strongSwan through its VICI protocol. The session is
// opened lazily and reopened after a transport error.
type VICI struct {
	socketPath string
	logger     *slog.Logger

	mu      sync.Mutex
	session *vici.Session
}

// NewVICI returns a controller for the charon socket at socketPath
// (DefaultVICISocket if empty). It does not connect until first use.
func NewVICI(socketPath string, logger *slog.Logger) *VICI {
	if socketPath == "" {
		socketPath = DefaultVICISocket
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &VICI{socketPath: socketPath, logger: logger}
}

// LoadSharedKey issues load-shared with type IKE.
func (v *VICI) LoadSharedKey(ctx context.Context, key SharedKey) error {
	if key.Key == nil || key.Key.Len() == 0 {
		return fmt.Errorf("%w: load-shared %s: no key", ErrControlFailure, key.ID)
	}
	message := vici.NewMessage()
	if err := message.Set("id", key.ID); err != nil {
		return fmt.Errorf("%w: building load-shared: %v", ErrControlFailure, err)
	}
	if err := message.Set("type", "IKE"); err != nil {
		return fmt.Errorf("%w: building load-shared: %v", ErrControlFailure, err)
	}
	// charon parses a 0x prefix as hex-encoded binary data.
	if err := message.Set("data", "0x"+hex.EncodeToString(key.Key.Bytes())); err != nil {
		return fmt.Errorf("%w: building load-shared: %v", ErrControlFailure, err)
	}
	if err := message.Set("owners", key.Owners); err != nil {
		return fmt.Errorf("%w: building load-shared: %v", ErrControlFailure, err)
	}
	_, err := v.command(ctx, "load-shared", message)
	return err
}

// RekeyChild issues rekey for a child SA.
func (v *VICI) RekeyChild(ctx context.Context, child string) error {
	message := vici.NewMessage()
	if err := message.Set("child", child); err != nil {
		return fmt.Errorf("%w: building rekey: %v", ErrControlFailure, err)
	}
	_, err := v.command(ctx, "rekey", message)
	return err
}

// Terminate issues terminate for an IKE SA.
func (v *VICI) Terminate(ctx context.Context, ike string) error {
	message := vici.NewMessage()
	if err := message.Set("ike", ike); err != nil {
		return fmt.Errorf("%w: building terminate: %v", ErrControlFailure, err)
	}
	_, err := v.command(ctx, "terminate", message)
	return err
}

// SAState lists the IKE SA and maps charon's state names.
func (v *VICI) SAState(ctx context.Context, ike string) (schema.TunnelStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	message := vici.NewMessage()
	if err := message.Set("ike", ike); err != nil {
		return "", fmt.Errorf("%w: building list-sas: %v", ErrControlFailure, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	session, err := v.sessionLocked()
	if err != nil {
		return "", err
	}
	stream, err := session.StreamedCommandRequest("list-sas", "list-sa", message)
	if err != nil {
		v.resetLocked()
		return "", fmt.Errorf("%w: list-sas %s: %v", ErrControlFailure, ike, err)
	}

	for _, event := range stream {
		if event.Err() != nil {
			return "", fmt.Errorf("%w: list-sas %s: %v", ErrControlFailure, ike, event.Err())
		}
		sa, ok := event.Get(ike).(*vici.Message)
		if !ok {
			continue
		}
		return saStatus(sa), nil
	}
	return schema.TunnelDown, nil
}

// saStatus maps an IKE SA's list-sa entry to a TunnelStatus.
func saStatus(sa *vici.Message) schema.TunnelStatus {
	state, _ := sa.Get("state").(string)
	switch state {
	case "ESTABLISHED":
		children, _ := sa.Get("child-sas").(*vici.Message)
		if children == nil {
			return schema.TunnelNegotiating
		}
		for _, name := range children.Keys() {
			child, _ := children.Get(name).(*vici.Message)
			if child == nil {
				continue
			}
			switch child.Get("state") {
			case "INSTALLED":
				return schema.TunnelEstablished
			case "REKEYING", "REKEYED":
				return schema.TunnelRekeying
			}
		}
		return schema.TunnelNegotiating
	case "CREATED", "CONNECTING", "PASSIVE":
		return schema.TunnelNegotiating
	case "REKEYING", "REKEYED":
		return schema.TunnelRekeying
	case "DELETING", "DESTROYING":
		return schema.TunnelDown
	default:
		return schema.TunnelDown
	}
}

// Close closes the session if one is open.
func (v *VICI) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil {
		return nil
	}
	err := v.session.Close()
	v.session = nil
	return err
}

func (v *VICI) command(ctx context.Context, name string, message *vici.Message) (*vici.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	session, err := v.sessionLocked()
	if err != nil {
		return nil, err
	}
	response, err := session.CommandRequest(name, message)
	if err != nil {
		v.resetLocked()
		return nil, fmt.Errorf("%w: %s: %v", ErrControlFailure, name, err)
	}
	if err := response.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrControlFailure, name, err)
	}
	return response, nil
}

func (v *VICI) sessionLocked() (*vici.Session, error) {
	if v.session != nil {
		return v.session, nil
	}
	session, err := vici.NewSession(vici.WithSocketPath(v.socketPath))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", ErrControlFailure, v.socketPath, err)
	}
	v.logger.Debug("vici session opened", "socket", v.socketPath)
	v.session = session
	return session, nil
}

func (v *VICI) resetLocked() {
	if v.session != nil {
		v.session.Close()
		v.session = nil
	}
}
