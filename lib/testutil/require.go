// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch, failing the test if
// none arrives within timeout or ch is closed first.
//
//	ack := testutil.RequireReceive(t, acks, 5*time.Second, "ack from %s", node)
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, message ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout) //nolint:realclock hang guard
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed, no value: %s", describe(message))
		}
		return value
	case <-timer.C:
		t.Fatalf("no value after %v: %s", timeout, describe(message))
	}
	panic("unreachable")
}

// RequireClosed waits for a readiness channel to close (or deliver),
// failing the test after timeout.
//
//	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "agent socket ready")
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, message ...any) {
	t.Helper()
	timer := time.NewTimer(timeout) //nolint:realclock hang guard
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("channel still open after %v: %s", timeout, describe(message))
	}
}

// describe renders the optional message: a plain value, or a format
// string and its arguments.
func describe(message []any) string {
	switch {
	case len(message) == 0:
		return "(no message)"
	case len(message) == 1:
		return fmt.Sprint(message[0])
	}
	if format, ok := message[0].(string); ok {
		return fmt.Sprintf(format, message[1:]...)
	}
	return fmt.Sprint(message...)
}
