// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is one node of the keywarden command tree.
type Command struct {
	// Name is the command name as typed (e.g. "rekey").
	Name string

	// Summary is the one-line description in the parent's listing.
	Summary string

	// Description is the longer text in the command's own help.
	Description string

	// Usage overrides the synthesized usage line.
	Usage string

	Examples []Example

	// Flags returns a fresh flag set for the command. Nil means the
	// command takes no flags.
	Flags func() *pflag.FlagSet

	Subcommands []*Command

	// Run executes the command with the positional args left after
	// flag parsing. With Subcommands also set, Run handles the case
	// where no subcommand matches.
	Run func(args []string) error

	// Output receives help text. Nil inherits from the parent, and
	// the root defaults to stderr.
	Output io.Writer

	parent *Command
}

// Example is a usage example shown in help output.
type Example struct {
	Description string
	Command     string
}

// Execute parses args and dispatches to the matching subcommand or Run.
func (c *Command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(c.output())
		return nil
	}

	if len(c.Subcommands) > 0 && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name := args[0]
		for _, sub := range c.Subcommands {
			if sub.Name == name {
				sub.parent = c
				return sub.Execute(args[1:])
			}
		}
		if suggestion := suggestCommand(name, c.Subcommands); suggestion != "" {
			return Usagef("unknown command %q (did you mean %q?)\n\nRun '%s --help' for usage.",
				name, suggestion, c.fullName())
		}
		return Usagef("unknown command %q\n\nRun '%s --help' for usage.", name, c.fullName())
	}

	if len(c.Subcommands) > 0 && c.Run == nil {
		c.PrintHelp(c.output())
		if len(args) == 0 {
			return Usagef("subcommand required")
		}
		return Usagef("subcommand required (got flag %q)", args[0])
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				c.PrintHelp(c.output())
				return nil
			}
			message := err.Error()
			if strings.Contains(message, "unknown flag") || strings.Contains(message, "unknown shorthand flag") {
				// The failed parse may have consumed state; look up
				// suggestions on a fresh set.
				if suggestion := suggestFlag(args, c.Flags()); suggestion != "" {
					return Usagef("%s (did you mean %s?)\n\nRun '%s --help' for usage.",
						message, suggestion, c.fullName())
				}
			}
			return Usagef("%s\n\nRun '%s --help' for usage.", message, c.fullName())
		}
		args = flagSet.Args()
	}

	if c.Run != nil {
		return c.Run(args)
	}

	c.PrintHelp(c.output())
	return fmt.Errorf("no action defined for %q", c.fullName())
}

// PrintHelp writes the command's help to w.
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()

	if c.Description != "" {
		fmt.Fprintf(w, "%s\n\n", c.Description)
	} else if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	switch {
	case c.Usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.Usage)
	case len(c.Subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", name)
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", name)
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		table := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(table, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		table.Flush()
	}

	if c.Flags != nil {
		if usages := c.Flags().FlagUsages(); usages != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", usages)
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, example := range c.Examples {
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n", example.Command)
			if example.Description != "" {
				fmt.Fprintln(w)
			}
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", name)
	}
}

// fullName returns the command path, e.g. "keywarden rekey".
func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func (c *Command) output() io.Writer {
	for command := c; command != nil; command = command.parent {
		if command.Output != nil {
			return command.Output
		}
	}
	return os.Stderr
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
