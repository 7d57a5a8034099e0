// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the
// orchestrator's state store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with fixed pragmas,
// ordered schema migrations tracked in user_version, and a
// [Pool.Transaction] helper. Callers [Pool.Take] a connection, do
// their work, and [Pool.Put] it back; connections are not safe for
// concurrent use.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=FULL: a committed epoch survives power loss. A
//     tunnel whose stored epoch lags the one its agents applied has
//     to go through reconciliation.
//   - busy_timeout=5000: wait for the write lock instead of failing.
//   - foreign_keys=ON.
//   - cache_size=-2048: 2 MB page cache per connection.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:       "/var/lib/keywarden/orchestrator.db",
//	    Migrations: []string{schemaV1},
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Transaction(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "UPDATE tunnels SET epoch = ?", ...)
//	})
//
// There is no query builder: callers write SQL and use sqlitex.Execute.
package sqlitepool
