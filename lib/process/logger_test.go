// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var output bytes.Buffer
	logger, err := NewLogger(&output, "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "tunnel_id", "tunnel-7")

	if strings.Contains(output.String(), "dropped") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(output.String(), `"tunnel_id":"tunnel-7"`) {
		t.Errorf("output %q missing structured attribute", output.String())
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(&bytes.Buffer{}, "verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
