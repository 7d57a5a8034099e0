// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/keywarden/lib/clock"
	"github.com/bureau-foundation/keywarden/lib/envelope"
	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/qkd"
	"github.com/bureau-foundation/keywarden/lib/schema"
)

// Defaults for Config fields left zero.
const (
	DefaultRekeyInterval  = time.Hour
	DefaultStatusInterval = 30 * time.Second
	DefaultAckTimeout     = 10 * time.Second
)

// Config holds an Orchestrator's collaborators and timings.
type Config struct {
	// Identity is the orchestrator's long-term identity. Borrowed.
	Identity *pqc.Identity

	// Registry holds the registered peers and tunnels.
	Registry *Registry

	// Store persists epochs and protocol state. Nil keeps everything
	// in memory.
	Store *Store

	Transport Transport
	QKD       qkd.Source
	PQC       PQCGenerator

	// QKDKeySize is the QKD key block length in bytes. Zero selects
	// keymix.DefaultQKDKeySize.
	QKDKeySize int

	// AllowPQCOnlyFallback derives PQC-only keys while the QKD key
	// manager is unavailable instead of deferring the cycle.
	AllowPQCOnlyFallback bool

	RekeyInterval  time.Duration
	StatusInterval time.Duration
	AckTimeout     time.Duration
	MaxSkew        time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Random returns values in [0, 1) for backoff jitter. Nil uses
	// math/rand/v2.
	Random func() float64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Orchestrator runs one rekey loop per tunnel plus a liveness poller,
// and serves the admin actions.
type Orchestrator struct {
	identity  *pqc.Identity
	registry  *Registry
	store     *Store
	transport Transport
	qkd       qkd.Source
	pqc       PQCGenerator
	mixer     *keymix.Mixer
	codec     *envelope.Codec
	backoff   backoff
	metrics   *metrics
	clock     clock.Clock
	logger    *slog.Logger

	qkdKeySize     int
	allowDegraded  bool
	rekeyInterval  time.Duration
	statusInterval time.Duration
	ackTimeout     time.Duration

	// mutex guards runContext and loops.
	mutex      sync.Mutex
	runContext context.Context
	loops      map[string]context.CancelFunc
	running    sync.WaitGroup
}

// New builds an Orchestrator and restores persisted tunnel and protocol
// state. Tunnels found in the store but not in the registry are
// registered from their stored spec.
func New(ctx context.Context, config Config) (*Orchestrator, error) {
	switch {
	case config.Identity == nil:
		return nil, errors.New("orchestrator: identity is required")
	case config.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case config.Transport == nil:
		return nil, errors.New("orchestrator: transport is required")
	case config.QKD == nil:
		return nil, errors.New("orchestrator: QKD source is required")
	case config.PQC == nil:
		return nil, errors.New("orchestrator: PQC generator is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.QKDKeySize <= 0 {
		config.QKDKeySize = keymix.DefaultQKDKeySize
	}
	if config.RekeyInterval <= 0 {
		config.RekeyInterval = DefaultRekeyInterval
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = DefaultStatusInterval
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}

	mixer, err := keymix.NewMixer(config.PQC.SecretSize(), config.QKDKeySize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		identity:       config.Identity,
		registry:       config.Registry,
		store:          config.Store,
		transport:      config.Transport,
		qkd:            config.QKD,
		pqc:            config.PQC,
		mixer:          mixer,
		codec:          envelope.NewCodec(config.Clock, config.MaxSkew),
		backoff:        newBackoff(config.BackoffInitial, config.BackoffMax, config.Random),
		metrics:        newMetrics(),
		clock:          config.Clock,
		logger:         config.Logger,
		qkdKeySize:     config.QKDKeySize,
		allowDegraded:  config.AllowPQCOnlyFallback,
		rekeyInterval:  config.RekeyInterval,
		statusInterval: config.StatusInterval,
		ackTimeout:     config.AckTimeout,
		loops:          make(map[string]context.CancelFunc),
	}
	if o.allowDegraded {
		o.logger.Warn("PQC-only fallback enabled: keys derived while QKD is unavailable lack the QKD component")
	}
	if err := o.restore(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// restore loads the store into the registry.
func (o *Orchestrator) restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	stored, err := o.store.Tunnels(ctx)
	if err != nil {
		return err
	}
	for _, record := range stored {
		tunnel, err := o.registry.Tunnel(record.Spec.TunnelID)
		if errors.Is(err, ErrUnknownTunnel) {
			tunnel, err = o.registry.Register(record.Spec)
			if err != nil {
				o.logger.Warn("stored tunnel cannot be registered, skipping",
					"tunnel_id", record.Spec.TunnelID,
					"error", err,
				)
				continue
			}
		}
		tunnel.restore(record)
	}

	marks, sequences, err := o.store.ProtocolState(ctx)
	if err != nil {
		return err
	}
	o.registry.restoreProtocolState(o.identity.ID(), marks, sequences)

	// Persist config-only tunnels so the store lists every tunnel.
	for _, tunnel := range o.registry.Tunnels() {
		if err := o.store.PutTunnel(ctx, tunnel.stored()); err != nil {
			return err
		}
	}
	o.logger.Info("orchestrator state restored",
		"stored_tunnels", len(stored),
		"tunnels", len(o.registry.Tunnels()),
		"replay_marks", len(marks),
	)
	return nil
}

// Run starts every tunnel loop and the liveness poller and blocks
// until ctx is done. Tunnels registered while Run is active get their
// own loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mutex.Lock()
	if o.runContext != nil {
		o.mutex.Unlock()
		return errors.New("orchestrator: already running")
	}
	o.runContext = ctx
	o.mutex.Unlock()

	for _, tunnel := range o.registry.Tunnels() {
		o.startLoop(tunnel)
	}
	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.poll(ctx)
	}()

	o.logger.Info("orchestrator running",
		"node", o.identity.ID(),
		"peers", len(o.registry.Peers()),
		"tunnels", len(o.registry.Tunnels()),
		"rekey_interval", o.rekeyInterval,
		"status_interval", o.statusInterval,
	)
	<-ctx.Done()

	o.mutex.Lock()
	for id, cancel := range o.loops {
		cancel()
		delete(o.loops, id)
	}
	o.mutex.Unlock()
	o.running.Wait()
	o.persistProtocolState(context.WithoutCancel(ctx))
	o.logger.Info("orchestrator stopped")
	return nil
}

// startLoop starts a tunnel's loop if Run is active.
func (o *Orchestrator) startLoop(tunnel *Tunnel) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.runContext == nil || o.runContext.Err() != nil {
		return
	}
	if _, running := o.loops[tunnel.Spec.TunnelID]; running {
		return
	}
	ctx, cancel := context.WithCancel(o.runContext)
	o.loops[tunnel.Spec.TunnelID] = cancel
	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.runTunnel(ctx, tunnel)
	}()
}

// stopLoop cancels a tunnel's loop.
func (o *Orchestrator) stopLoop(tunnelID string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if cancel, ok := o.loops[tunnelID]; ok {
		cancel()
		delete(o.loops, tunnelID)
	}
}

// Registry returns the orchestrator's registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Identity returns the orchestrator's public identity.
func (o *Orchestrator) Identity() pqc.PublicIdentity { return o.identity.Public() }

// ListTunnels returns every tunnel's admin row.
func (o *Orchestrator) ListTunnels() []schema.TunnelInfo {
	tunnels := o.registry.Tunnels()
	infos := make([]schema.TunnelInfo, 0, len(tunnels))
	for _, tunnel := range tunnels {
		infos = append(infos, tunnel.Info())
	}
	return infos
}

// Metrics returns the counters and latest cycle timings.
func (o *Orchestrator) Metrics() schema.Metrics { return o.metrics.snapshot() }

// RegisterTunnel adds a tunnel, persists it, and starts its loop.
func (o *Orchestrator) RegisterTunnel(ctx context.Context, spec schema.TunnelSpec) (*Tunnel, error) {
	tunnel, err := o.registry.Register(spec)
	if err != nil {
		return nil, err
	}
	if o.store != nil {
		if err := o.store.PutTunnel(ctx, tunnel.stored()); err != nil {
			o.registry.Deregister(spec.TunnelID)
			return nil, err
		}
	}
	o.logger.Info("tunnel registered",
		"tunnel_id", spec.TunnelID,
		"node_a", spec.NodeA,
		"node_b", spec.NodeB,
		"ike_name", spec.IKEName,
	)
	o.startLoop(tunnel)
	return tunnel, nil
}

// DeregisterTunnel stops a tunnel's loop and removes it. Keys already
// loaded on the agents stay in place.
func (o *Orchestrator) DeregisterTunnel(ctx context.Context, tunnelID string) error {
	tunnel, err := o.registry.Deregister(tunnelID)
	if err != nil {
		return err
	}
	o.stopLoop(tunnelID)
	// Wait for an in-flight cycle to finish before dropping the row.
	tunnel.cycle.Lock()
	defer tunnel.cycle.Unlock()
	if o.store != nil {
		if err := o.store.DeleteTunnel(ctx, tunnelID); err != nil {
			return err
		}
	}
	o.metrics.forget(tunnelID)
	o.logger.Info("tunnel deregistered", "tunnel_id", tunnelID, "epoch", tunnel.Epoch())
	return nil
}

// DeregisterNode removes an agent that no tunnel references and
// deletes its stored replay marks and sequence counters. A node
// registered again later starts both from zero.
func (o *Orchestrator) DeregisterNode(ctx context.Context, nodeID string) error {
	if err := o.registry.RemovePeer(nodeID); err != nil {
		return err
	}
	if o.store != nil {
		if err := o.store.DeletePeer(ctx, nodeID); err != nil {
			return err
		}
	}
	o.logger.Info("node deregistered", "node", nodeID)
	return nil
}

// persistTunnel writes a tunnel row, logging failures. The in-memory
// state stays authoritative for the running process.
func (o *Orchestrator) persistTunnel(ctx context.Context, tunnel *Tunnel) {
	if o.store == nil {
		return
	}
	if err := o.store.PutTunnel(ctx, tunnel.stored()); err != nil {
		o.logger.Error("persisting tunnel state failed",
			"tunnel_id", tunnel.Spec.TunnelID,
			"error", err,
		)
	}
}

// persistProtocolState writes replay marks and sequence counters.
func (o *Orchestrator) persistProtocolState(ctx context.Context) {
	if o.store == nil {
		return
	}
	marks, sequences := o.registry.protocolState(o.identity.ID())
	if err := o.store.PutProtocolState(ctx, marks, sequences); err != nil {
		o.logger.Error("persisting protocol state failed", "error", err)
	}
}
