// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeagent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/keywarden/lib/clock"
	"github.com/bureau-foundation/keywarden/lib/envelope"
	"github.com/bureau-foundation/keywarden/lib/ipsec"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/replay"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/secret"
	"github.com/bureau-foundation/keywarden/lib/statefile"
)

// DefaultStageTTL is how long a staged key waits for its commit.
const DefaultStageTTL = 30 * time.Second

// Config holds an Agent's collaborators.
type Config struct {
	// Identity is the agent's own long-term identity. The agent
	// borrows it; the caller closes it after Close.
	Identity *pqc.Identity

	// Orchestrator is the only sender whose envelopes are accepted.
	Orchestrator pqc.PublicIdentity

	// Controller drives the local IPsec daemon.
	Controller ipsec.Controller

	// StatePath is the CBOR state file. Empty disables persistence.
	StatePath string

	// StageTTL bounds how long a staged key is held. Zero selects
	// DefaultStageTTL.
	StageTTL time.Duration

	// MaxSkew is the envelope timestamp tolerance. Zero selects
	// envelope.DefaultMaxSkew.
	MaxSkew time.Duration

	// ReplayWindow is the replay window size. Zero selects
	// replay.DefaultWindowSize.
	ReplayWindow int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent is the per-endpoint service. It authenticates control
// envelopes from the orchestrator, holds staged keys, pushes committed
// keys into the daemon, and answers with signed acks.
type Agent struct {
	identity     *pqc.Identity
	orchestrator pqc.PublicIdentity
	controller   ipsec.Controller
	codec        *envelope.Codec
	guard        *replay.Guard
	sequencer    *envelope.Sequencer
	clock        clock.Clock
	logger       *slog.Logger
	statePath    string
	stageTTL     time.Duration

	// mutex guards tunnels and epochs and serializes state file
	// writes. It is a leaf lock: it may be taken while holding a
	// tunnel mutex, never the other way round.
	mutex   sync.Mutex
	tunnels map[string]*tunnel
	epochs  map[string]persistedTunnel
}

// tunnel is one tunnel's agent-side state. Its mutex serializes every
// daemon interaction for the tunnel.
type tunnel struct {
	mutex sync.Mutex

	id           string
	ikeName      string
	state        schema.AgentState
	appliedEpoch uint64
	staged       *stagedKey
	lastError    string
}

// stagedKey is a key received in a stage envelope and not yet
// committed or discarded.
type stagedKey struct {
	epoch       uint64
	cycleID     string
	key         *secret.Buffer
	fingerprint string
	ikeName     string
	childName   string
	owners      []string
	initiator   bool
	expiry      *clock.Timer
}

func (s *stagedKey) discard() {
	if s.expiry != nil {
		s.expiry.Stop()
	}
	s.key.Close()
}

// persistedState is the agent's state file.
type persistedState struct {
	Tunnels     map[string]persistedTunnel `cbor:"tunnels"`
	ReplayMarks []replay.Mark              `cbor:"replay_marks"`
	Sequences   map[string]uint64          `cbor:"sequences"`
}

type persistedTunnel struct {
	AppliedEpoch uint64 `cbor:"applied_epoch"`
	IKEName      string `cbor:"ike_name,omitempty"`
}

// New creates an Agent and restores its state file, if any.
func New(config Config) (*Agent, error) {
	if config.Identity == nil {
		return nil, errors.New("nodeagent: identity is required")
	}
	if err := config.Orchestrator.Validate(); err != nil {
		return nil, fmt.Errorf("nodeagent: orchestrator identity: %w", err)
	}
	if config.Orchestrator.ID == config.Identity.ID() {
		return nil, errors.New("nodeagent: orchestrator and agent share an ID")
	}
	if config.Controller == nil {
		return nil, errors.New("nodeagent: controller is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.StageTTL <= 0 {
		config.StageTTL = DefaultStageTTL
	}
	if config.MaxSkew <= 0 {
		config.MaxSkew = envelope.DefaultMaxSkew
	}

	guard, err := replay.NewGuard(config.ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: %w", err)
	}

	agent := &Agent{
		identity:     config.Identity,
		orchestrator: config.Orchestrator,
		controller:   config.Controller,
		codec:        envelope.NewCodec(config.Clock, config.MaxSkew),
		guard:        guard,
		sequencer:    envelope.NewSequencer(),
		clock:        config.Clock,
		logger:       config.Logger.With("node", config.Identity.ID()),
		statePath:    config.StatePath,
		stageTTL:     config.StageTTL,
		tunnels:      make(map[string]*tunnel),
		epochs:       make(map[string]persistedTunnel),
	}
	if err := agent.restore(); err != nil {
		return nil, err
	}
	return agent, nil
}

// restore loads the state file. Restored tunnels start idle.
func (a *Agent) restore() error {
	if a.statePath == "" {
		return nil
	}
	var state persistedState
	found, err := statefile.ReadOrEmpty(a.statePath, &state)
	if err != nil {
		return fmt.Errorf("nodeagent: restoring state: %w", err)
	}
	if !found {
		a.logger.Info("no agent state file, starting fresh", "path", a.statePath)
		return nil
	}
	for id, persisted := range state.Tunnels {
		a.epochs[id] = persisted
		a.tunnels[id] = &tunnel{
			id:           id,
			ikeName:      persisted.IKEName,
			state:        schema.AgentIdle,
			appliedEpoch: persisted.AppliedEpoch,
		}
	}
	a.guard.Restore(state.ReplayMarks)
	a.sequencer.Restore(state.Sequences)
	a.logger.Info("agent state restored",
		"path", a.statePath,
		"tunnels", len(state.Tunnels),
		"replay_marks", len(state.ReplayMarks),
	)
	return a.forgetRetired(state)
}

// forgetRetired drops the replay windows and outbound counters of
// every controller other than the configured orchestrator. A
// controller ID that reappears later starts from zero on both sides.
func (a *Agent) forgetRetired(state persistedState) error {
	retired := make(map[string]bool)
	for _, mark := range state.ReplayMarks {
		if mark.Sender != a.orchestrator.ID {
			retired[mark.Sender] = true
		}
	}
	for recipient := range state.Sequences {
		if recipient != a.orchestrator.ID {
			retired[recipient] = true
		}
	}
	if len(retired) == 0 {
		return nil
	}
	for id := range retired {
		a.guard.Forget(id)
		a.sequencer.Forget(id)
		a.logger.Info("forgetting retired orchestrator", "orchestrator", id)
	}
	if err := a.persist(); err != nil {
		return fmt.Errorf("nodeagent: %w", err)
	}
	return nil
}

// persist writes the state file: the recorded tunnel epochs, the
// replay marks, and the outbound sequence counters.
func (a *Agent) persist() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.persistLocked()
}

func (a *Agent) persistLocked() error {
	if a.statePath == "" {
		return nil
	}
	epochs := make(map[string]persistedTunnel, len(a.epochs))
	for id, record := range a.epochs {
		epochs[id] = record
	}
	if err := statefile.Write(a.statePath, persistedState{
		Tunnels:     epochs,
		ReplayMarks: a.guard.Snapshot(),
		Sequences:   a.sequencer.Snapshot(),
	}); err != nil {
		return fmt.Errorf("nodeagent: writing state: %w", err)
	}
	return nil
}

// recordTunnel updates the persisted view of one tunnel and writes the
// state file. The caller holds the tunnel's mutex.
func (a *Agent) recordTunnel(record *tunnel) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.epochs[record.id] = persistedTunnel{
		AppliedEpoch: record.appliedEpoch,
		IKEName:      record.ikeName,
	}
	return a.persistLocked()
}

// tunnel returns the record for id, creating an idle one.
func (a *Agent) tunnel(id string) *tunnel {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	record, ok := a.tunnels[id]
	if !ok {
		record = &tunnel{id: id, state: schema.AgentIdle}
		a.tunnels[id] = record
	}
	return record
}

// tunnelIDs returns the known tunnel IDs in order.
func (a *Agent) tunnelIDs() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	ids := make([]string, 0, len(a.tunnels))
	for id := range a.tunnels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Identity returns the agent's public identity.
func (a *Agent) Identity() pqc.PublicIdentity { return a.identity.Public() }

// AppliedEpoch returns the last-applied epoch of a tunnel.
func (a *Agent) AppliedEpoch(tunnelID string) uint64 {
	record := a.tunnel(tunnelID)
	record.mutex.Lock()
	defer record.mutex.Unlock()
	return record.appliedEpoch
}

// State returns a tunnel's agent state.
func (a *Agent) State(tunnelID string) schema.AgentState {
	record := a.tunnel(tunnelID)
	record.mutex.Lock()
	defer record.mutex.Unlock()
	return record.state
}

// Close discards every staged key. It does not close the controller or
// the identity.
func (a *Agent) Close() error {
	a.mutex.Lock()
	records := make([]*tunnel, 0, len(a.tunnels))
	for _, record := range a.tunnels {
		records = append(records, record)
	}
	a.mutex.Unlock()

	for _, record := range records {
		record.mutex.Lock()
		if record.staged != nil {
			record.staged.discard()
			record.staged = nil
		}
		record.mutex.Unlock()
	}
	return nil
}
