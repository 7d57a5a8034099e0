// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable consulted by Locate when no
// --config flag was given.
const EnvironmentVariable = "KEYWARDEN_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for lab setups and local testing.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// IsKnown reports whether e is one of the defined environments.
func (e Environment) IsKnown() bool {
	switch e {
	case Development, Staging, Production:
		return true
	}
	return false
}

// Sections holds the environment name and the per-environment override
// sections shared by every config file. An override section uses the
// same schema as the file itself; fields it sets replace the base
// values, lists included.
type Sections struct {
	Environment Environment `yaml:"environment"`

	Development *yaml.Node `yaml:"development,omitempty"`
	Staging     *yaml.Node `yaml:"staging,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

func (s *Sections) override() *yaml.Node {
	switch s.Environment {
	case Development:
		return s.Development
	case Staging:
		return s.Staging
	case Production:
		return s.Production
	}
	return nil
}

// IdentityConfig locates a node's sealed long-term identity and the
// secret that unseals it.
type IdentityConfig struct {
	// PrivateFile is the age-sealed identity written by
	// "keywarden keygen".
	PrivateFile string `yaml:"private_file"`

	// MachineKeyFile holds an AGE-SECRET-KEY-1... line. Mutually
	// exclusive with PassphraseFile.
	MachineKeyFile string `yaml:"machine_key_file"`

	// PassphraseFile holds the scrypt passphrase, or "-" for stdin.
	PassphraseFile string `yaml:"passphrase_file"`
}

func (c *IdentityConfig) validate(prefix string) []error {
	var errs []error
	if c.PrivateFile == "" {
		errs = append(errs, fmt.Errorf("%s.private_file is required", prefix))
	}
	if (c.MachineKeyFile == "") == (c.PassphraseFile == "") {
		errs = append(errs, fmt.Errorf("%s: exactly one of machine_key_file and passphrase_file is required", prefix))
	}
	return errs
}

func (c *IdentityConfig) expand() {
	c.PrivateFile = expandVars(c.PrivateFile)
	c.MachineKeyFile = expandVars(c.MachineKeyFile)
	c.PassphraseFile = expandVars(c.PassphraseFile)
}

// Locate returns the config file path: flagValue when set, otherwise
// the KEYWARDEN_CONFIG environment variable. There are no fallbacks
// and no automatic discovery.
func Locate(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if path := os.Getenv(EnvironmentVariable); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("%s environment variable not set; "+
		"set it to the path of your config file, or use --config flag", EnvironmentVariable)
}

// decodeFile reads path into target and applies the override section
// selected by sections. Files ending in .json or .jsonc are stripped of
// comments and trailing commas first; JSON is valid YAML, so a single
// decoder serves both. Unknown fields are an error.
func decodeFile(path string, target any, sections *Sections) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Re-indent with spaces: YAML does not accept tab indentation.
		var indented bytes.Buffer
		if err := json.Indent(&indented, jsonc.ToJSON(data), "", "  "); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
		data = indented.Bytes()
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	if !sections.Environment.IsKnown() {
		return fmt.Errorf("config %s: invalid environment %q", path, sections.Environment)
	}

	if node := sections.override(); node != nil {
		if err := node.Decode(target); err != nil {
			return fmt.Errorf("config %s: applying %s section: %w", path, sections.Environment, err)
		}
	}
	return nil
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns from the
// process environment. Only path fields are expanded.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

func joinErrors(errs []error) error {
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
