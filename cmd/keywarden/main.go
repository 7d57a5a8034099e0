// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// keywarden is the operator CLI: identity generation, fingerprints, and
// the orchestrator's admin actions.
package main

import (
	"os"

	"github.com/bureau-foundation/keywarden/lib/process"
)

func main() {
	if err := root(os.Stdout).Execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}
