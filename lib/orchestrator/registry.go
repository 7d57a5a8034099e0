// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/keywarden/lib/envelope"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/replay"
	"github.com/bureau-foundation/keywarden/lib/schema"
)

var (
	// ErrUnknownPeer means a node ID has no registered agent.
	ErrUnknownPeer = errors.New("orchestrator: unknown node")

	// ErrUnknownTunnel means a tunnel ID is not registered.
	ErrUnknownTunnel = errors.New("orchestrator: unknown tunnel")

	// ErrTunnelExists means a tunnel ID is already registered.
	ErrTunnelExists = errors.New("orchestrator: tunnel already registered")

	// ErrPeerInUse means a node still has registered tunnels.
	ErrPeerInUse = errors.New("orchestrator: node has registered tunnels")
)

// Peer is the orchestrator's session with one node agent: the agent's
// long-term public identity, its endpoint, the inbound replay window
// for its acks, the outbound sequence counter, and its last status
// report.
type Peer struct {
	ID       string
	Endpoint string
	Public   pqc.PublicIdentity

	guard     *replay.Guard
	sequencer *envelope.Sequencer

	mutex     sync.Mutex
	status    *schema.StatusReport
	lastSeen  time.Time
	lastError string
}

// NewPeer validates the agent's identity and creates its session.
// window is the replay window size; zero selects the default.
func NewPeer(id, endpoint string, public pqc.PublicIdentity, window int) (*Peer, error) {
	if id == "" {
		return nil, errors.New("orchestrator: node ID is required")
	}
	if err := public.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: node %s: %w", id, err)
	}
	if public.ID != id {
		return nil, fmt.Errorf("orchestrator: node %s: public identity is for %q", id, public.ID)
	}
	guard, err := replay.NewGuard(window)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: node %s: %w", id, err)
	}
	return &Peer{
		ID:        id,
		Endpoint:  endpoint,
		Public:    public,
		guard:     guard,
		sequencer: envelope.NewSequencer(),
	}, nil
}

// Status returns the last status report, when it arrived, and the
// error of the last failed poll. The report is nil before the first
// successful poll.
func (p *Peer) Status() (*schema.StatusReport, time.Time, string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.status, p.lastSeen, p.lastError
}

func (p *Peer) recordStatus(report *schema.StatusReport, at time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.status = report
	p.lastSeen = at
	p.lastError = ""
}

func (p *Peer) recordPollError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.lastError = err.Error()
}

// Registry owns the peers and tunnels. Lookups take the read lock;
// registration and removal take the write lock.
type Registry struct {
	mutex   sync.RWMutex
	peers   map[string]*Peer
	tunnels map[string]*Tunnel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]*Peer),
		tunnels: make(map[string]*Tunnel),
	}
}

// AddPeer registers an agent.
func (r *Registry) AddPeer(peer *Peer) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.peers[peer.ID]; exists {
		return fmt.Errorf("orchestrator: node %s is already registered", peer.ID)
	}
	r.peers[peer.ID] = peer
	return nil
}

// RemovePeer removes an agent that no tunnel references.
func (r *Registry) RemovePeer(id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.peers[id]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	for _, tunnel := range r.tunnels {
		if tunnel.Spec.NodeA == id || tunnel.Spec.NodeB == id {
			return fmt.Errorf("%w: %s is used by %s", ErrPeerInUse, id, tunnel.Spec.TunnelID)
		}
	}
	delete(r.peers, id)
	return nil
}

// Peer returns the agent with the given node ID.
func (r *Registry) Peer(id string) (*Peer, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	peer, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return peer, nil
}

// Peers returns every agent ordered by node ID.
func (r *Registry) Peers() []*Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Register validates spec and adds a tunnel in status down at epoch 0.
// Both nodes must already be registered.
func (r *Registry) Register(spec schema.TunnelSpec) (*Tunnel, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.tunnels[spec.TunnelID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTunnelExists, spec.TunnelID)
	}
	for _, node := range []string{spec.NodeA, spec.NodeB} {
		if _, ok := r.peers[node]; !ok {
			return nil, fmt.Errorf("%w: %s (tunnel %s)", ErrUnknownPeer, node, spec.TunnelID)
		}
	}
	tunnel := newTunnel(spec)
	r.tunnels[spec.TunnelID] = tunnel
	return tunnel, nil
}

// Deregister removes a tunnel and returns it.
func (r *Registry) Deregister(id string) (*Tunnel, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	tunnel, ok := r.tunnels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTunnel, id)
	}
	delete(r.tunnels, id)
	return tunnel, nil
}

// Tunnel returns the tunnel with the given ID.
func (r *Registry) Tunnel(id string) (*Tunnel, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tunnel, ok := r.tunnels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTunnel, id)
	}
	return tunnel, nil
}

// Tunnels returns every tunnel ordered by ID.
func (r *Registry) Tunnels() []*Tunnel {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, tunnel := range r.tunnels {
		tunnels = append(tunnels, tunnel)
	}
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].Spec.TunnelID < tunnels[j].Spec.TunnelID })
	return tunnels
}

// TunnelsFor returns the tunnels with node as either endpoint, ordered
// by ID.
func (r *Registry) TunnelsFor(node string) []*Tunnel {
	var matched []*Tunnel
	for _, tunnel := range r.Tunnels() {
		if tunnel.Spec.NodeA == node || tunnel.Spec.NodeB == node {
			matched = append(matched, tunnel)
		}
	}
	return matched
}

// endpoints returns the two peers of a tunnel.
func (r *Registry) endpoints(spec schema.TunnelSpec) (*Peer, *Peer, error) {
	nodeA, err := r.Peer(spec.NodeA)
	if err != nil {
		return nil, nil, err
	}
	nodeB, err := r.Peer(spec.NodeB)
	if err != nil {
		return nil, nil, err
	}
	return nodeA, nodeB, nil
}

// protocolState collects every peer's replay marks and the
// orchestrator's outbound counters toward each peer.
func (r *Registry) protocolState(self string) ([]replay.Mark, []Sequence) {
	var marks []replay.Mark
	var sequences []Sequence
	for _, peer := range r.Peers() {
		marks = append(marks, peer.guard.Snapshot()...)
		for recipient, next := range peer.sequencer.Snapshot() {
			sequences = append(sequences, Sequence{Sender: self, Recipient: recipient, Next: next})
		}
	}
	return marks, sequences
}

// restoreProtocolState hands stored marks and counters back to the
// peers they belong to. Entries for unknown peers are ignored.
func (r *Registry) restoreProtocolState(self string, marks []replay.Mark, sequences []Sequence) {
	for _, mark := range marks {
		if mark.Recipient != self {
			continue
		}
		if peer, err := r.Peer(mark.Sender); err == nil {
			peer.guard.Restore([]replay.Mark{mark})
		}
	}
	for _, sequence := range sequences {
		if sequence.Sender != self {
			continue
		}
		if peer, err := r.Peer(sequence.Recipient); err == nil {
			peer.sequencer.Restore(map[string]uint64{sequence.Recipient: sequence.Next})
		}
	}
}
