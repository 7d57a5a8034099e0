// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile persists small state records as CBOR files that
// survive crashes.
//
// Write encodes the value, writes it to a temporary file in the same
// directory, fsyncs it, renames it over the target and fsyncs the
// directory. A reader sees either the previous file or the new one,
// never a partial write. Files are created with mode 0600.
//
// Read decodes a file written by Write. A missing file is reported
// with an error wrapping os.ErrNotExist so callers can start from an
// empty state.
package statefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/keywarden/lib/codec"
)

// Write atomically replaces path with the CBOR encoding of value. The
// parent directory must exist.
func Write(path string, value any) error {
	data, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("statefile: encoding %s: %w", path, err)
	}

	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: creating temporary file: %w", err)
	}
	temporaryPath := file.Name()

	// Write, sync, close, in that order. Any failure removes the
	// temporary file.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: writing %s: %w", temporaryPath, err)
	}
	if err := file.Chmod(0600); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: setting mode on %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: closing %s: %w", temporaryPath, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: renaming into %s: %w", path, err)
	}

	// The rename is only durable once the directory entry is.
	directory, err := os.Open(filepath.Dir(path))
	if err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Read decodes path into value.
func Read(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, value); err != nil {
		return fmt.Errorf("statefile: parsing %s: %w", path, err)
	}
	return nil
}

// ReadOrEmpty is Read, except that a missing file leaves value
// untouched and returns false.
func ReadOrEmpty(path string, value any) (bool, error) {
	err := Read(path, value)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes path. Idempotent.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("statefile: removing %s: %w", path, err)
	}
	return nil
}
