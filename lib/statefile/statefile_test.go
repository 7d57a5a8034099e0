// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	Epochs map[string]uint64 `cbor:"epochs"`
	Node   string            `cbor:"node"`
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.state")
	want := record{Node: "node-a", Epochs: map[string]uint64{"tunnel-7": 3, "tunnel-8": 1}}

	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got record
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Node != want.Node || len(got.Epochs) != 2 || got.Epochs["tunnel-7"] != 3 {
		t.Errorf("Read = %+v, want %+v", got, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("mode = %o, want 0600", mode)
	}
}

func TestWriteOverwritesAndLeavesNoTemporaryFiles(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "agent.state")

	for epoch := uint64(1); epoch <= 3; epoch++ {
		if err := Write(path, record{Epochs: map[string]uint64{"tunnel-7": epoch}}); err != nil {
			t.Fatalf("Write epoch %d: %v", epoch, err)
		}
	}

	var got record
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Epochs["tunnel-7"] != 3 {
		t.Errorf("epoch = %d, want 3", got.Epochs["tunnel-7"])
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Errorf("directory contains %v, want only agent.state", names)
	}
}

func TestReadMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.state")

	var value record
	if err := Read(path, &value); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read error = %v, want os.ErrNotExist", err)
	}
	found, err := ReadOrEmpty(path, &value)
	if err != nil || found {
		t.Fatalf("ReadOrEmpty = %v, %v; want false, nil", found, err)
	}
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.state")
	if err := os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var value record
	if _, err := ReadOrEmpty(path, &value); err == nil {
		t.Fatal("ReadOrEmpty of a corrupt file succeeded")
	}
}

func TestWriteMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no", "such", "dir", "agent.state")
	if err := Write(path, record{}); err == nil {
		t.Fatal("Write into a missing directory succeeded")
	}
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.state")
	if err := Write(path, record{Node: "node-a"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Fatalf("Clear twice: %v", err)
	}
}
