// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by keywarden tests.
//
// [SocketPath] returns a short Unix socket path; t.TempDir paths can
// exceed the 108-byte sun_path limit. [RequireReceive] and
// [RequireClosed] bound waits on channels with a real timer. They are
// the only wall-clock waits in the suite; protocol timing runs on
// clock.Fake.
package testutil
