// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// keywarden-orchestrator drives hybrid PQC+QKD rekeying for every
// configured tunnel. It fetches a QKD block for the tunnel, generates a
// PQC secret, mixes them into a session key, and installs the key on
// both node agents with a stage/commit exchange.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keywarden/lib/config"
	"github.com/bureau-foundation/keywarden/lib/orchestrator"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/process"
	"github.com/bureau-foundation/keywarden/lib/qkd"
	"github.com/bureau-foundation/keywarden/lib/service"
	"github.com/bureau-foundation/keywarden/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("keywarden-orchestrator", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the orchestrator config file (default $KEYWARDEN_CONFIG)")
	flags.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.Binary("keywarden-orchestrator"))
		return nil
	}

	logger, err := process.NewLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}

	path, err := config.Locate(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOrchestrator(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	logger = logger.With("node", cfg.Node)

	ctx, stop := process.SignalContext()
	defer stop()

	identity, err := cfg.Identity.LoadIdentity()
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	defer identity.Close()
	if identity.ID() != cfg.Node {
		return fmt.Errorf("identity %s belongs to %q, config node is %q", cfg.Identity.PrivateFile, identity.ID(), cfg.Node)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	qkdSource, err := buildQKDSource(cfg.QKD, cfg.Timing, logger)
	if err != nil {
		return err
	}
	kem, err := pqc.KEMByName(cfg.PQC.KEM)
	if err != nil {
		return err
	}

	store, err := orchestrator.OpenStore(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	orch, err := orchestrator.New(ctx, orchestrator.Config{
		Identity:             identity,
		Registry:             registry,
		Store:                store,
		Transport:            orchestrator.NewServiceTransport(cfg.Timing.RequestTimeout),
		QKD:                  qkdSource,
		PQC:                  orchestrator.NewKEMGenerator(kem),
		QKDKeySize:           cfg.QKD.KeySize,
		AllowPQCOnlyFallback: cfg.QKD.AllowPQCOnlyFallback,
		RekeyInterval:        cfg.Timing.RekeyInterval,
		StatusInterval:       cfg.Timing.StatusInterval,
		AckTimeout:           cfg.Timing.AckTimeout,
		MaxSkew:              cfg.Timing.MaxSkew,
		BackoffInitial:       cfg.Timing.BackoffInitial,
		BackoffMax:           cfg.Timing.BackoffMax,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	network, address, err := service.ParseEndpoint(cfg.AdminSocket)
	if err != nil {
		return fmt.Errorf("admin_socket: %w", err)
	}
	adminServer := service.NewSocketServer(network, address, logger)
	orch.RegisterActions(adminServer)

	adminDone := make(chan error, 1)
	go func() {
		adminDone <- adminServer.Serve(ctx)
	}()

	logger.Info("keywarden-orchestrator starting",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"admin_socket", cfg.AdminSocket,
		"qkd_backend", cfg.QKD.Backend,
		"kem", kem.Name(),
		"identity_fingerprint", identity.Public().Fingerprint(),
	)

	runErr := orch.Run(ctx)

	// Run returns once ctx is done; the admin server drains alongside.
	if err := <-adminDone; err != nil {
		logger.Error("admin socket server error", "error", err)
	}
	return runErr
}

// buildRegistry registers every configured node and tunnel.
func buildRegistry(cfg *config.OrchestratorConfig) (*orchestrator.Registry, error) {
	registry := orchestrator.NewRegistry()
	for _, node := range cfg.Nodes {
		public, err := pqc.ReadPublicFile(node.PublicIdentity)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		if public.ID != node.ID {
			return nil, fmt.Errorf("node %s: public identity %s belongs to %q", node.ID, node.PublicIdentity, public.ID)
		}
		peer, err := orchestrator.NewPeer(node.ID, node.Endpoint, public, cfg.ReplayWindow)
		if err != nil {
			return nil, err
		}
		if err := registry.AddPeer(peer); err != nil {
			return nil, err
		}
	}
	for _, spec := range cfg.Tunnels {
		if _, err := registry.Register(spec); err != nil {
			return nil, fmt.Errorf("tunnel %s: %w", spec.TunnelID, err)
		}
	}
	return registry, nil
}

// buildQKDSource returns the configured key manager client.
func buildQKDSource(cfg config.QKDConfig, timing config.TimingConfig, logger *slog.Logger) (qkd.Source, error) {
	switch cfg.Backend {
	case config.QKDBackendETSI:
		client, err := qkd.NewETSIClient(qkd.ETSIConfig{
			BaseURL:  cfg.KMEURL,
			CertFile: cfg.CertFile,
			KeyFile:  cfg.KeyFile,
			CAFile:   cfg.CAFile,
			Timeout:  timing.RequestTimeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.QKDBackendStatic:
		key, err := hex.DecodeString(cfg.StaticKey)
		if err != nil {
			return nil, fmt.Errorf("qkd.static_key: %w", err)
		}
		logger.Warn("using the static QKD backend; keys have no QKD security")
		return qkd.NewStatic(key), nil
	}
	return nil, fmt.Errorf("unknown QKD backend %q", cfg.Backend)
}
