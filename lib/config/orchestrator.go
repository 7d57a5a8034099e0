// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/service"
)

// QKD backends.
const (
	QKDBackendETSI   = "etsi"
	QKDBackendStatic = "static"
)

// OrchestratorConfig configures keywarden-orchestrator.
type OrchestratorConfig struct {
	Sections `yaml:",inline"`

	// Node is the orchestrator's identity ID, the sender of every
	// envelope it seals.
	Node string `yaml:"node"`

	Identity IdentityConfig `yaml:"identity"`

	// Database is the SQLite state store path.
	Database string `yaml:"database"`

	// AdminSocket is the operator unix socket (list-tunnels, rekey, ...).
	AdminSocket string `yaml:"admin_socket"`

	Nodes   []NodeConfig        `yaml:"nodes"`
	Tunnels []schema.TunnelSpec `yaml:"tunnels"`

	QKD    QKDConfig    `yaml:"qkd"`
	PQC    PQCConfig    `yaml:"pqc"`
	Timing TimingConfig `yaml:"timing"`

	// ReplayWindow is the size of the replay window applied to acks
	// from each agent.
	ReplayWindow int `yaml:"replay_window"`
}

// NodeConfig describes one agent the orchestrator manages.
type NodeConfig struct {
	ID string `yaml:"id"`

	// Endpoint is the agent API address, e.g. tcp://10.0.0.5:7443.
	Endpoint string `yaml:"endpoint"`

	// PublicIdentity is the agent's public identity file, as written
	// by "keywarden keygen".
	PublicIdentity string `yaml:"public_identity"`
}

// QKDConfig selects and configures the QKD key source.
type QKDConfig struct {
	// Backend is "etsi" (ETSI GS QKD 014 KME) or "static".
	Backend string `yaml:"backend"`

	// KMEURL is the base URL of node A's key management entity.
	KMEURL   string `yaml:"kme_url"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// KeySize is the QKD key block size in bytes.
	KeySize int `yaml:"key_size"`

	// StaticKey is the hex-encoded key the static backend returns.
	// Lab use only.
	StaticKey string `yaml:"static_key"`

	// AllowPQCOnlyFallback permits degraded PQC-only keys while the
	// QKD source is unavailable. Off unless set explicitly.
	AllowPQCOnlyFallback bool `yaml:"allow_pqc_only_fallback"`
}

// PQCConfig names the KEM used for session key generation.
type PQCConfig struct {
	KEM string `yaml:"kem"`
}

// TimingConfig holds the orchestrator's intervals and timeouts.
type TimingConfig struct {
	// RekeyInterval is the time between successful rekeys of a tunnel.
	RekeyInterval time.Duration `yaml:"rekey_interval"`

	// StatusInterval is the liveness polling period.
	StatusInterval time.Duration `yaml:"status_interval"`

	// AckTimeout bounds the wait for both agents' acks in each phase.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// RequestTimeout bounds one agent API call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxSkew is the accepted envelope timestamp skew.
	MaxSkew time.Duration `yaml:"max_skew"`

	// BackoffInitial and BackoffMax bound the retry delay after a
	// failed cycle.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// DefaultOrchestrator returns the defaults applied before the config
// file is decoded. They fill in intervals and sizes; identities,
// nodes, and tunnels must come from the file.
func DefaultOrchestrator() *OrchestratorConfig {
	return &OrchestratorConfig{
		Sections:    Sections{Environment: Production},
		Node:        "orchestrator",
		Database:    "/var/lib/keywarden/orchestrator.db",
		AdminSocket: "unix:///run/keywarden/orchestrator.sock",
		QKD: QKDConfig{
			Backend: QKDBackendETSI,
			KeySize: 32,
		},
		PQC: PQCConfig{KEM: pqc.DefaultKEM},
		Timing: TimingConfig{
			RekeyInterval:  time.Hour,
			StatusInterval: 30 * time.Second,
			AckTimeout:     10 * time.Second,
			RequestTimeout: service.DefaultRequestTimeout,
			MaxSkew:        30 * time.Second,
			BackoffInitial: time.Second,
			BackoffMax:     60 * time.Second,
		},
		ReplayWindow: 64,
	}
}

// LoadOrchestrator loads the orchestrator config from path (see
// Locate). The result is not validated; call Validate.
func LoadOrchestrator(path string) (*OrchestratorConfig, error) {
	cfg := DefaultOrchestrator()
	if err := decodeFile(path, cfg, &cfg.Sections); err != nil {
		return nil, err
	}

	cfg.Identity.expand()
	cfg.Database = expandVars(cfg.Database)
	cfg.AdminSocket = expandVars(cfg.AdminSocket)
	cfg.QKD.CertFile = expandVars(cfg.QKD.CertFile)
	cfg.QKD.KeyFile = expandVars(cfg.QKD.KeyFile)
	cfg.QKD.CAFile = expandVars(cfg.QKD.CAFile)
	for i := range cfg.Nodes {
		cfg.Nodes[i].PublicIdentity = expandVars(cfg.Nodes[i].PublicIdentity)
	}
	return cfg, nil
}

// NodeByID returns the node config with the given ID.
func (c *OrchestratorConfig) NodeByID(id string) (NodeConfig, bool) {
	for _, node := range c.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return NodeConfig{}, false
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *OrchestratorConfig) Validate() error {
	var errs []error

	if c.Node == "" {
		errs = append(errs, fmt.Errorf("node is required"))
	}
	errs = append(errs, c.Identity.validate("identity")...)
	if c.Database == "" {
		errs = append(errs, fmt.Errorf("database is required"))
	}
	// The admin socket is unauthenticated; file permissions are its
	// only access control.
	if network, _, err := service.ParseEndpoint(c.AdminSocket); err != nil {
		errs = append(errs, fmt.Errorf("admin_socket: %w", err))
	} else if network != "unix" {
		errs = append(errs, fmt.Errorf("admin_socket: %q must be a unix socket", c.AdminSocket))
	}

	nodes := make(map[string]bool, len(c.Nodes))
	for i, node := range c.Nodes {
		switch {
		case node.ID == "":
			errs = append(errs, fmt.Errorf("nodes[%d]: id is required", i))
		case node.ID == c.Node:
			errs = append(errs, fmt.Errorf("nodes[%d]: id %q is the orchestrator's own", i, node.ID))
		case nodes[node.ID]:
			errs = append(errs, fmt.Errorf("nodes[%d]: duplicate id %q", i, node.ID))
		}
		nodes[node.ID] = true
		if _, _, err := service.ParseEndpoint(node.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("nodes[%d] (%s): endpoint: %w", i, node.ID, err))
		}
		if node.PublicIdentity == "" {
			errs = append(errs, fmt.Errorf("nodes[%d] (%s): public_identity is required", i, node.ID))
		}
	}

	tunnels := make(map[string]bool, len(c.Tunnels))
	for i := range c.Tunnels {
		tunnel := &c.Tunnels[i]
		if err := tunnel.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tunnels[%d]: %w", i, err))
			continue
		}
		if tunnels[tunnel.TunnelID] {
			errs = append(errs, fmt.Errorf("tunnels[%d]: duplicate id %q", i, tunnel.TunnelID))
		}
		tunnels[tunnel.TunnelID] = true
		for _, node := range []string{tunnel.NodeA, tunnel.NodeB} {
			if !nodes[node] {
				errs = append(errs, fmt.Errorf("tunnels[%d] (%s): unknown node %q", i, tunnel.TunnelID, node))
			}
		}
	}

	errs = append(errs, c.QKD.validate()...)

	if _, err := pqc.KEMByName(c.PQC.KEM); err != nil {
		errs = append(errs, fmt.Errorf("pqc.kem: %w", err))
	}

	timing := []struct {
		name  string
		value time.Duration
	}{
		{"timing.rekey_interval", c.Timing.RekeyInterval},
		{"timing.status_interval", c.Timing.StatusInterval},
		{"timing.ack_timeout", c.Timing.AckTimeout},
		{"timing.request_timeout", c.Timing.RequestTimeout},
		{"timing.max_skew", c.Timing.MaxSkew},
		{"timing.backoff_initial", c.Timing.BackoffInitial},
		{"timing.backoff_max", c.Timing.BackoffMax},
	}
	for _, entry := range timing {
		if entry.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", entry.name))
		}
	}
	if c.Timing.BackoffMax < c.Timing.BackoffInitial {
		errs = append(errs, fmt.Errorf("timing.backoff_max must not be less than timing.backoff_initial"))
	}

	if c.ReplayWindow < 0 {
		errs = append(errs, fmt.Errorf("replay_window must not be negative"))
	}

	return joinErrors(errs)
}

func (c *QKDConfig) validate() []error {
	var errs []error
	if c.KeySize <= 0 {
		errs = append(errs, fmt.Errorf("qkd.key_size must be positive"))
	}
	switch c.Backend {
	case QKDBackendETSI:
		parsed, err := url.Parse(c.KMEURL)
		if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("qkd.kme_url must be an https URL"))
		}
		if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
			errs = append(errs, fmt.Errorf("qkd: cert_file, key_file, and ca_file are required for the etsi backend"))
		}
	case QKDBackendStatic:
		key, err := hex.DecodeString(c.StaticKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("qkd.static_key must be hex"))
		} else if len(key) != c.KeySize {
			errs = append(errs, fmt.Errorf("qkd.static_key is %d bytes, qkd.key_size is %d", len(key), c.KeySize))
		}
	default:
		errs = append(errs, fmt.Errorf("qkd.backend must be %q or %q, got %q", QKDBackendETSI, QKDBackendStatic, c.Backend))
	}
	return errs
}
