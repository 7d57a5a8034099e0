// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultPoolSize is used when Config.PoolSize is not positive. The
// orchestrator's store is small and write-dominated; SQLite serializes
// writers regardless.
const DefaultPoolSize = 4

// Config holds the parameters for opening a SQLite connection pool.
// Path is required; all other fields have defaults.
type Config struct {
	// Path is the database file. The parent directory must exist.
	// ":memory:" works for tests only with PoolSize 1, since every
	// in-memory connection is a separate database.
	Path string

	// PoolSize is the number of connections. Defaults to
	// DefaultPoolSize.
	PoolSize int

	// Migrations are SQL scripts applied in order, once each, when the
	// pool opens. The number applied so far is kept in the database's
	// user_version. Append new scripts; never edit applied ones.
	Migrations []string

	// Logger receives pool and migration messages. Nil discards.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. Safe for concurrent
// use; individual connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool and applies pending migrations. The caller
// must Close the pool.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	pool := &Pool{inner: inner, logger: logger, path: cfg.Path}
	if err := pool.migrate(cfg.Migrations); err != nil {
		inner.Close()
		return nil, err
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"schema_version", len(cfg.Migrations),
	)
	return pool, nil
}

// Take borrows a connection, blocking until one is free or ctx is
// done. The caller must Put it back:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Nil is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Transaction runs fn inside an IMMEDIATE transaction on a borrowed
// connection. The transaction commits if fn returns nil and rolls back
// otherwise.
func (p *Pool) Transaction(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin: %w", err)
	}
	defer end(&err)
	return fn(conn)
}

// Close closes all connections, blocking until borrowed ones are
// returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// migrate applies migrations[user_version:] in one transaction each.
func (p *Pool) migrate(migrations []string) error {
	if len(migrations) == 0 {
		return nil
	}
	conn, err := p.inner.Take(context.Background())
	if err != nil {
		return fmt.Errorf("sqlitepool: take for migration: %w", err)
	}
	defer p.inner.Put(conn)

	var version int
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("sqlitepool: %s is at schema version %d, newer than this binary (%d)",
			p.path, version, len(migrations))
	}

	for index := version; index < len(migrations); index++ {
		if err := applyMigration(conn, index+1, migrations[index]); err != nil {
			return err
		}
		p.logger.Info("sqlite migration applied", "path", p.path, "version", index+1)
	}
	return nil
}

func applyMigration(conn *sqlite.Conn, version int, script string) (err error) {
	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: migration %d: begin: %w", version, err)
	}
	defer end(&err)

	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: %w", version, err)
	}
	// PRAGMA does not take bound parameters.
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", version), nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: setting user_version: %w", version, err)
	}
	return nil
}

// prepareConnection applies the standard pragmas, then OnConnect.
func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-2048",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}
	return nil
}
