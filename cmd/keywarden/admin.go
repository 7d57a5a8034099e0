// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keywarden/cmd/keywarden/cli"
	"github.com/bureau-foundation/keywarden/lib/orchestrator"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/service"
)

func statusCommand(out io.Writer) *cli.Command {
	var admin adminFlags
	var showCycles bool
	return &cli.Command{
		Name:    "status",
		Summary: "Show every tunnel's status, epoch, and key mode",
		Description: `Show every registered tunnel with its status, key epoch, derivation
mode, key fingerprint, and rekey schedule, followed by the
orchestrator's counters.`,
		Usage: "keywarden status [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			admin.register(flags)
			flags.BoolVar(&showCycles, "cycles", false, "also show the phase timings of each tunnel's last cycle")
			return flags
		},
		Run: func(args []string) error {
			if err := exactArgs("status", args, 0, "[flags]"); err != nil {
				return err
			}
			var tunnels schema.ListTunnelsResponse
			if err := admin.call(orchestrator.ActionListTunnels, nil, &tunnels); err != nil {
				return err
			}
			var metrics schema.Metrics
			if err := admin.call(orchestrator.ActionMetrics, nil, &metrics); err != nil {
				return err
			}
			render := newRenderer(out)
			render.tunnels(tunnels.Tunnels)
			render.metrics(metrics)
			if showCycles {
				render.cycles(metrics.LastCycles)
			}
			return nil
		},
	}
}

func rekeyCommand(out io.Writer) *cli.Command {
	var admin adminFlags
	return &cli.Command{
		Name:    "rekey",
		Summary: "Run a rekey cycle for a tunnel now",
		Description: `Run a rekey cycle for one tunnel and wait for it. The tunnel's row is
printed after the cycle. A cycle deferred because the QKD key manager is
unavailable leaves the current key in place.`,
		Usage: "keywarden rekey TUNNEL [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("rekey", pflag.ContinueOnError)
			admin.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if err := exactArgs("rekey", args, 1, "TUNNEL"); err != nil {
				return err
			}
			var response schema.TunnelResponse
			err := admin.call(orchestrator.ActionRekey, map[string]any{"tunnel": args[0]}, &response)
			if err != nil {
				return describe(err, args[0])
			}
			newRenderer(out).tunnels([]schema.TunnelInfo{response.Tunnel})
			return nil
		},
	}
}

func registerCommand(out io.Writer) *cli.Command {
	var admin adminFlags
	var spec schema.TunnelSpec
	return &cli.Command{
		Name:    "register",
		Summary: "Register a tunnel with the orchestrator",
		Description: `Register a tunnel between two enrolled nodes. The orchestrator keys it
once both IPsec daemons report the connection established.`,
		Usage: "keywarden register TUNNEL --node-a NODE --node-b NODE --ike NAME --child NAME [flags]",
		Examples: []cli.Example{{
			Description: "Register site-ab, initiated from node-a",
			Command: "keywarden register tunnel-7 --node-a node-a --node-b node-b --ike site-ab --child site-ab-net " +
				"--initiator node-a --node-a-ike-identity a.example --node-b-ike-identity b.example",
		}},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("register", pflag.ContinueOnError)
			admin.register(flags)
			flags.StringVar(&spec.NodeA, "node-a", "", "node whose key manager issues the QKD keys")
			flags.StringVar(&spec.NodeB, "node-b", "", "the other node")
			flags.StringVar(&spec.IKEName, "ike", "", "IKE connection name on both daemons")
			flags.StringVar(&spec.ChildName, "child", "", "child SA name on both daemons")
			flags.StringVar(&spec.Initiator, "initiator", "", "node that rekeys the child SA (default --node-a)")
			flags.StringVar(&spec.NodeAIKEIdentity, "node-a-ike-identity", "", "node A's IKE identity")
			flags.StringVar(&spec.NodeBIKEIdentity, "node-b-ike-identity", "", "node B's IKE identity")
			flags.StringVar(&spec.SAEA, "sae-a", "", "node A's QKD SAE ID (default --node-a)")
			flags.StringVar(&spec.SAEB, "sae-b", "", "node B's QKD SAE ID (default --node-b)")
			return flags
		},
		Run: func(args []string) error {
			if err := exactArgs("register", args, 1, "TUNNEL [flags]"); err != nil {
				return err
			}
			spec.TunnelID = args[0]
			if spec.Initiator == "" {
				spec.Initiator = spec.NodeA
			}
			if err := spec.Validate(); err != nil {
				return err
			}
			var response schema.TunnelResponse
			if err := admin.call(orchestrator.ActionRegisterTunnel, map[string]any{"spec": spec}, &response); err != nil {
				return describe(err, spec.TunnelID)
			}
			newRenderer(out).tunnels([]schema.TunnelInfo{response.Tunnel})
			return nil
		},
	}
}

func deregisterCommand(out io.Writer) *cli.Command {
	var admin adminFlags
	return &cli.Command{
		Name:    "deregister",
		Summary: "Stop managing a tunnel",
		Description: `Stop the tunnel's rekey loop and drop it from the orchestrator's
store. Keys already loaded on the nodes stay in place.`,
		Usage: "keywarden deregister TUNNEL [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("deregister", pflag.ContinueOnError)
			admin.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if err := exactArgs("deregister", args, 1, "TUNNEL"); err != nil {
				return err
			}
			if err := admin.call(orchestrator.ActionDeregisterTunnel, map[string]any{"tunnel": args[0]}, nil); err != nil {
				return describe(err, args[0])
			}
			fmt.Fprintf(out, "deregistered %s\n", args[0])
			return nil
		},
	}
}

func deregisterNodeCommand(out io.Writer) *cli.Command {
	var admin adminFlags
	return &cli.Command{
		Name:    "deregister-node",
		Summary: "Remove a node agent that no tunnel uses",
		Description: `Remove a node from the running orchestrator and delete its stored
envelope sequence numbers and replay marks. The orchestrator refuses
while any registered tunnel names the node; deregister those tunnels
first. Remove the node from the orchestrator's configuration as well,
or it returns on the next restart with fresh counters.`,
		Usage: "keywarden deregister-node NODE [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("deregister-node", pflag.ContinueOnError)
			admin.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if err := exactArgs("deregister-node", args, 1, "NODE"); err != nil {
				return err
			}
			if err := admin.call(orchestrator.ActionDeregisterNode, map[string]any{"node": args[0]}, nil); err != nil {
				return describeNode(err, args[0])
			}
			fmt.Fprintf(out, "deregistered node %s\n", args[0])
			return nil
		},
	}
}

func terminateCommand(out io.Writer) *cli.Command {
	var admin adminFlags
	return &cli.Command{
		Name:    "terminate",
		Summary: "Tear down a tunnel's IKE SA on both nodes",
		Description: `Ask both nodes to terminate the tunnel's IKE SA. The tunnel stays
registered; it is rekeyed once the daemons bring it back up.`,
		Usage: "keywarden terminate TUNNEL [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("terminate", pflag.ContinueOnError)
			admin.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if err := exactArgs("terminate", args, 1, "TUNNEL"); err != nil {
				return err
			}
			var response schema.TunnelResponse
			if err := admin.call(orchestrator.ActionTerminate, map[string]any{"tunnel": args[0]}, &response); err != nil {
				return describe(err, args[0])
			}
			newRenderer(out).tunnels([]schema.TunnelInfo{response.Tunnel})
			return nil
		},
	}
}

// describe rewords admin errors whose code has a plain explanation.
func describe(err error, tunnel string) error {
	var serviceError *service.ServiceError
	if !errors.As(err, &serviceError) {
		return err
	}
	switch serviceError.Code {
	case orchestrator.CodeUnknownTunnel:
		return fmt.Errorf("no tunnel %q is registered", tunnel)
	case orchestrator.CodeTunnelExists:
		return fmt.Errorf("tunnel %q is already registered", tunnel)
	case orchestrator.CodeUnknownPeer:
		return fmt.Errorf("tunnel %q names a node the orchestrator does not know: %s", tunnel, serviceError.Message)
	case orchestrator.CodeQKDDeferred:
		return fmt.Errorf("rekey of %q deferred, QKD key manager unavailable: %s", tunnel, serviceError.Message)
	case orchestrator.CodeNotNegotiated:
		return fmt.Errorf("tunnel %q has no key yet and the daemons have not both established it", tunnel)
	}
	return err
}

// describeNode rewords node admin errors.
func describeNode(err error, node string) error {
	var serviceError *service.ServiceError
	if !errors.As(err, &serviceError) {
		return err
	}
	switch serviceError.Code {
	case orchestrator.CodeUnknownPeer:
		return fmt.Errorf("no node %q is registered", node)
	case orchestrator.CodeNodeInUse:
		return fmt.Errorf("node %q still has tunnels: %s", node, serviceError.Message)
	}
	return err
}
