// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// UsageError reports a malformed command line. process.Fatal exits
// with [UsageExitCode] for it.
type UsageError struct {
	Message string
}

// UsageExitCode is the exit status for a malformed command line.
const UsageExitCode = 2

func (e *UsageError) Error() string { return e.Message }

// ExitCode returns [UsageExitCode].
func (e *UsageError) ExitCode() int { return UsageExitCode }

// Usagef formats a [UsageError].
func Usagef(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}
