// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidEndpoint is returned by ParseEndpoint for malformed input.
var ErrInvalidEndpoint = errors.New("service: invalid endpoint")

// ParseEndpoint splits an endpoint string into a network and address
// for net.Listen and net.Dial. Accepted forms:
//
//	unix:///run/keywarden/agent.sock
//	tcp://10.0.0.5:7443
//	/run/keywarden/agent.sock   (absolute path, Unix socket)
//	10.0.0.5:7443               (host:port, TCP)
func ParseEndpoint(endpoint string) (network, address string, err error) {
	if endpoint == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if rest, ok := strings.CutPrefix(endpoint, "unix://"); ok {
		if rest == "" {
			return "", "", fmt.Errorf("%w: %q has no socket path", ErrInvalidEndpoint, endpoint)
		}
		return "unix", rest, nil
	}
	if rest, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint, err)
		}
		return "tcp", rest, nil
	}
	if strings.Contains(endpoint, "://") {
		return "", "", fmt.Errorf("%w: %q has an unsupported scheme", ErrInvalidEndpoint, endpoint)
	}
	if strings.HasPrefix(endpoint, "/") {
		return "unix", endpoint, nil
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	return "tcp", endpoint, nil
}

// FormatEndpoint is the inverse of ParseEndpoint.
func FormatEndpoint(network, address string) string {
	return network + "://" + address
}
