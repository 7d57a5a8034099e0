// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of a keywarden binary for
// --version output and the startup log record.
//
// Release builds stamp [Version], [GitCommit], [GitDirty], and
// [BuildTime] with -ldflags -X; the Nix and CI builds set all four.
// Development builds fall back to the VCS information go build embeds.
package version
