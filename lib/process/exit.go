// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is implemented by errors that choose the process exit code,
// such as a CLI usage error.
type ExitCoder interface {
	ExitCode() int
}

// Fatal reports err on stderr and exits. It is for main() when run()
// fails, before or after the structured logger exists.
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes "error: err" to w and returns the exit code for err:
// the code of the first [ExitCoder] in its chain, else 1.
func report(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	var coder ExitCoder
	if errors.As(err, &coder) && coder.ExitCode() > 0 {
		return coder.ExitCode()
	}
	return 1
}
