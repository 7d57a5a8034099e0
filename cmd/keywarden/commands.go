// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keywarden/cmd/keywarden/cli"
	"github.com/bureau-foundation/keywarden/lib/config"
	"github.com/bureau-foundation/keywarden/lib/service"
	"github.com/bureau-foundation/keywarden/lib/version"
)

// adminSocketVariable overrides the default admin endpoint.
const adminSocketVariable = "KEYWARDEN_ADMIN_SOCKET"

// defaultAdminTimeout covers a synchronous rekey: two phases, each
// bounded by the orchestrator's ack timeout.
const defaultAdminTimeout = time.Minute

// root builds the keywarden command tree. Command output goes to out.
func root(out io.Writer) *cli.Command {
	return &cli.Command{
		Name: "keywarden",
		Description: `keywarden: hybrid PQC+QKD key management for IPsec tunnels.

Generate node identities, inspect tunnels, and drive the orchestrator's
admin actions.`,
		Subcommands: []*cli.Command{
			keygenCommand(out),
			fingerprintCommand(out),
			statusCommand(out),
			rekeyCommand(out),
			registerCommand(out),
			deregisterCommand(out),
			deregisterNodeCommand(out),
			terminateCommand(out),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Fprintf(out, "keywarden %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// adminFlags are the connection flags shared by every admin command.
type adminFlags struct {
	socket  string
	timeout time.Duration
}

func (f *adminFlags) register(flags *pflag.FlagSet) {
	socket := os.Getenv(adminSocketVariable)
	if socket == "" {
		socket = config.DefaultOrchestrator().AdminSocket
	}
	flags.StringVar(&f.socket, "socket", socket, "orchestrator admin endpoint (env "+adminSocketVariable+")")
	flags.DurationVar(&f.timeout, "timeout", defaultAdminTimeout, "admin call timeout")
}

// call invokes action on the orchestrator's admin socket.
func (f *adminFlags) call(action string, fields map[string]any, result any) error {
	client, err := service.NewServiceClient(f.socket, f.timeout)
	if err != nil {
		return fmt.Errorf("admin socket: %w", err)
	}
	ctx, stop := context.WithTimeout(context.Background(), f.timeout)
	defer stop()
	return client.Call(ctx, action, fields, result)
}

// exactArgs returns an error unless args has n entries.
func exactArgs(command string, args []string, n int, names string) error {
	if len(args) != n {
		return cli.Usagef("usage: keywarden %s %s", command, names)
	}
	return nil
}
