// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SocketDir returns a short-lived directory under /tmp for test
// sockets. sun_path holds 108 bytes, and t.TempDir paths embed the
// test name, so agent and admin sockets under t.TempDir can overflow.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "kw-*")
	if err != nil {
		t.Fatalf("socket directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(directory) })
	return directory
}

// SocketPath joins name onto a fresh [SocketDir].
func SocketPath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(SocketDir(t), name)
	if len(path) >= 108 {
		t.Fatalf("socket path %q exceeds sun_path", path)
	}
	return path
}
