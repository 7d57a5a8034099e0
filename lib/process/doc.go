// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the keywarden
// binaries: fatal error reporting before the structured logger exists,
// the JSON logger itself, and the shutdown signal context.
package process
