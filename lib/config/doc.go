// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the keywarden-orchestrator and keywarden-agent
// configuration files.
//
// Each binary reads a single file named by its --config flag or, when
// the flag is absent, the KEYWARDEN_CONFIG environment variable (see
// [Locate]). There is no discovery and no per-field environment
// override.
//
// Files are YAML, or JSONC when the name ends in .json or .jsonc.
// Unknown fields are rejected. A file may carry development, staging,
// and production sections written in the same schema as the file
// itself; the section matching the environment field is decoded over
// the base values. Durations use Go syntax ("30s", "1h").
//
// ${VAR} and ${VAR:-default} are expanded in path fields after
// loading.
//
// Loading does not validate. Binaries call Validate, which reports
// every problem at once through errors.Join.
package config
