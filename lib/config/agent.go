// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/keywarden/lib/service"
)

// IPsec backends.
const (
	IPsecBackendVICI   = "vici"
	IPsecBackendMemory = "memory"
)

// AgentConfig configures keywarden-agent.
type AgentConfig struct {
	Sections `yaml:",inline"`

	// Node is this agent's identity ID. Envelopes addressed to any
	// other recipient are rejected.
	Node string `yaml:"node"`

	Identity IdentityConfig `yaml:"identity"`

	// Orchestrator names the only sender whose envelopes are accepted.
	Orchestrator OrchestratorPeerConfig `yaml:"orchestrator"`

	// Listen is the agent API endpoint, e.g. tcp://0.0.0.0:7443.
	Listen string `yaml:"listen"`

	// StateFile holds applied epochs, replay marks, and sequence
	// counters across restarts.
	StateFile string `yaml:"state_file"`

	IPsec IPsecConfig `yaml:"ipsec"`

	// StageTTL is how long a staged key waits for its commit before
	// it is discarded.
	StageTTL time.Duration `yaml:"stage_ttl"`

	// MaxSkew is the accepted envelope timestamp skew.
	MaxSkew time.Duration `yaml:"max_skew"`

	ReplayWindow int `yaml:"replay_window"`
}

// OrchestratorPeerConfig identifies the orchestrator to an agent.
type OrchestratorPeerConfig struct {
	ID             string `yaml:"id"`
	PublicIdentity string `yaml:"public_identity"`
}

// IPsecConfig selects the daemon control backend.
type IPsecConfig struct {
	// Backend is "vici" (strongSwan) or "memory" (dry run).
	Backend string `yaml:"backend"`

	// Socket is the VICI socket path.
	Socket string `yaml:"socket"`
}

// DefaultAgent returns the defaults applied before the config file is
// decoded.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Sections:     Sections{Environment: Production},
		Orchestrator: OrchestratorPeerConfig{ID: "orchestrator"},
		Listen:       "tcp://0.0.0.0:7443",
		StateFile:    "/var/lib/keywarden/agent.state",
		IPsec: IPsecConfig{
			Backend: IPsecBackendVICI,
			Socket:  "/var/run/charon.vici",
		},
		StageTTL:     30 * time.Second,
		MaxSkew:      30 * time.Second,
		ReplayWindow: 64,
	}
}

// LoadAgent loads the agent config from path (see Locate). The result
// is not validated; call Validate.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := decodeFile(path, cfg, &cfg.Sections); err != nil {
		return nil, err
	}

	cfg.Identity.expand()
	cfg.Orchestrator.PublicIdentity = expandVars(cfg.Orchestrator.PublicIdentity)
	cfg.StateFile = expandVars(cfg.StateFile)
	cfg.IPsec.Socket = expandVars(cfg.IPsec.Socket)
	cfg.Listen = expandVars(cfg.Listen)
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *AgentConfig) Validate() error {
	var errs []error

	if c.Node == "" {
		errs = append(errs, fmt.Errorf("node is required"))
	}
	errs = append(errs, c.Identity.validate("identity")...)

	if c.Orchestrator.ID == "" {
		errs = append(errs, fmt.Errorf("orchestrator.id is required"))
	} else if c.Orchestrator.ID == c.Node {
		errs = append(errs, fmt.Errorf("orchestrator.id must differ from node"))
	}
	if c.Orchestrator.PublicIdentity == "" {
		errs = append(errs, fmt.Errorf("orchestrator.public_identity is required"))
	}

	if _, _, err := service.ParseEndpoint(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.StateFile == "" {
		errs = append(errs, fmt.Errorf("state_file is required"))
	}

	switch c.IPsec.Backend {
	case IPsecBackendVICI:
		if c.IPsec.Socket == "" {
			errs = append(errs, fmt.Errorf("ipsec.socket is required for the vici backend"))
		}
	case IPsecBackendMemory:
		if c.Environment == Production {
			errs = append(errs, fmt.Errorf("ipsec.backend %q is not allowed in production", IPsecBackendMemory))
		}
	default:
		errs = append(errs, fmt.Errorf("ipsec.backend must be %q or %q, got %q", IPsecBackendVICI, IPsecBackendMemory, c.IPsec.Backend))
	}

	if c.StageTTL <= 0 {
		errs = append(errs, fmt.Errorf("stage_ttl must be positive"))
	}
	if c.MaxSkew <= 0 {
		errs = append(errs, fmt.Errorf("max_skew must be positive"))
	}
	if c.ReplayWindow < 0 {
		errs = append(errs, fmt.Errorf("replay_window must not be negative"))
	}

	return joinErrors(errs)
}
