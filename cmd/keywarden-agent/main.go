// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// keywarden-agent runs on each IPsec endpoint. It accepts sealed
// control envelopes from the orchestrator, loads the session keys they
// carry into the local IPsec daemon, and answers with signed acks.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keywarden/lib/config"
	"github.com/bureau-foundation/keywarden/lib/ipsec"
	"github.com/bureau-foundation/keywarden/lib/nodeagent"
	"github.com/bureau-foundation/keywarden/lib/pqc"
	"github.com/bureau-foundation/keywarden/lib/process"
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
	flags := pflag.NewFlagSet("keywarden-agent", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the agent config file (default $KEYWARDEN_CONFIG)")
	flags.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.Binary("keywarden-agent"))
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
	cfg, err := config.LoadAgent(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", path, err)
	}

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

	orchestratorIdentity, err := loadOrchestrator(cfg.Orchestrator)
	if err != nil {
		return err
	}

	controller, err := buildController(cfg.IPsec, logger)
	if err != nil {
		return err
	}
	defer controller.Close()

	agent, err := nodeagent.New(nodeagent.Config{
		Identity:     identity,
		Orchestrator: orchestratorIdentity,
		Controller:   controller,
		StatePath:    cfg.StateFile,
		StageTTL:     cfg.StageTTL,
		MaxSkew:      cfg.MaxSkew,
		ReplayWindow: cfg.ReplayWindow,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	network, address, err := service.ParseEndpoint(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := service.NewSocketServer(network, address, logger)
	agent.RegisterActions(server)

	logger.Info("keywarden-agent starting",
		"node", cfg.Node,
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"listen", cfg.Listen,
		"ipsec_backend", cfg.IPsec.Backend,
		"orchestrator", orchestratorIdentity.ID,
		"orchestrator_fingerprint", orchestratorIdentity.Fingerprint(),
		"identity_fingerprint", identity.Public().Fingerprint(),
	)

	if err := server.Serve(ctx); err != nil {
		return err
	}
	logger.Info("keywarden-agent stopped")
	return nil
}

// loadOrchestrator reads the orchestrator's public identity and checks
// it carries the configured ID.
func loadOrchestrator(peer config.OrchestratorPeerConfig) (pqc.PublicIdentity, error) {
	public, err := pqc.ReadPublicFile(peer.PublicIdentity)
	if err != nil {
		return pqc.PublicIdentity{}, fmt.Errorf("orchestrator identity: %w", err)
	}
	if public.ID != peer.ID {
		return pqc.PublicIdentity{}, fmt.Errorf("orchestrator identity %s belongs to %q, config says %q",
			peer.PublicIdentity, public.ID, peer.ID)
	}
	return public, nil
}

// buildController returns the configured IPsec daemon backend.
func buildController(cfg config.IPsecConfig, logger *slog.Logger) (ipsec.Controller, error) {
	switch cfg.Backend {
	case config.IPsecBackendVICI:
		return ipsec.NewVICI(cfg.Socket, logger), nil
	case config.IPsecBackendMemory:
		logger.Warn("using the in-memory IPsec backend; keys are not loaded into any daemon")
		return ipsec.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown IPsec backend %q", cfg.Backend)
}
