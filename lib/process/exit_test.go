// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type usageError struct{ code int }

func (e usageError) Error() string { return "bad usage" }
func (e usageError) ExitCode() int { return e.code }

func TestReport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"plain", errors.New("boom"), 1},
		{"coded", usageError{code: 2}, 2},
		{"wrapped", fmt.Errorf("keygen: %w", usageError{code: 2}), 2},
		{"zero code", usageError{code: 0}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			if code := report(&out, test.err); code != test.code {
				t.Errorf("report() = %d, want %d", code, test.code)
			}
			if want := "error: " + test.err.Error() + "\n"; out.String() != want {
				t.Errorf("output = %q, want %q", out.String(), want)
			}
		})
	}
}
