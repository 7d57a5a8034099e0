// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/keywarden/lib/codec"
	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/replay"
	"github.com/bureau-foundation/keywarden/lib/schema"
	"github.com/bureau-foundation/keywarden/lib/sqlitepool"
)

// migrations is the store schema, one entry per version. Append only.
var migrations = []string{
	`CREATE TABLE tunnels (
		tunnel_id       TEXT PRIMARY KEY,
		node_a          TEXT NOT NULL,
		node_b          TEXT NOT NULL,
		epoch           INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'down',
		spec            BLOB NOT NULL,
		mode            TEXT NOT NULL DEFAULT '',
		key_fingerprint TEXT NOT NULL DEFAULT '',
		last_rekey      INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE replay_marks (
		sender     TEXT NOT NULL,
		recipient  TEXT NOT NULL,
		high_water INTEGER NOT NULL,
		PRIMARY KEY (sender, recipient)
	);
	CREATE TABLE sequences (
		sender    TEXT NOT NULL,
		recipient TEXT NOT NULL,
		next      INTEGER NOT NULL,
		PRIMARY KEY (sender, recipient)
	);`,
}

// StoredTunnel is one row of the tunnels table.
type StoredTunnel struct {
	Spec           schema.TunnelSpec
	Epoch          uint64
	Status         schema.TunnelStatus
	Mode           keymix.Mode
	KeyFingerprint string
	LastRekey      time.Time
}

// Sequence is one outbound sequence counter: the next number the
// sender will use toward the recipient.
type Sequence struct {
	Sender    string
	Recipient string
	Next      uint64
}

// Store persists tunnel epochs and the envelope protocol state (replay
// high-water marks and outbound counters) in SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore opens or creates the database at path and applies
// pending migrations.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       path,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Tunnels returns every stored tunnel ordered by ID.
func (s *Store) Tunnels(ctx context.Context) ([]StoredTunnel, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator store: %w", err)
	}
	defer s.pool.Put(conn)

	var tunnels []StoredTunnel
	err = sqlitex.Execute(conn,
		`SELECT spec, epoch, status, mode, key_fingerprint, last_rekey
		 FROM tunnels ORDER BY tunnel_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var stored StoredTunnel
				if err := codec.Unmarshal(readBlob(stmt, 0), &stored.Spec); err != nil {
					return fmt.Errorf("decoding tunnel spec: %w", err)
				}
				stored.Epoch = uint64(stmt.ColumnInt64(1))
				stored.Status = schema.TunnelStatus(stmt.ColumnText(2))
				stored.Mode = keymix.Mode(stmt.ColumnText(3))
				stored.KeyFingerprint = stmt.ColumnText(4)
				if seconds := stmt.ColumnInt64(5); seconds > 0 {
					stored.LastRekey = time.Unix(seconds, 0).UTC()
				}
				tunnels = append(tunnels, stored)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("orchestrator store: reading tunnels: %w", err)
	}
	return tunnels, nil
}

// PutTunnel inserts or replaces a tunnel row.
func (s *Store) PutTunnel(ctx context.Context, tunnel StoredTunnel) error {
	spec, err := codec.Marshal(tunnel.Spec)
	if err != nil {
		return fmt.Errorf("orchestrator store: encoding tunnel spec: %w", err)
	}
	var lastRekey int64
	if !tunnel.LastRekey.IsZero() {
		lastRekey = tunnel.LastRekey.Unix()
	}
	return s.pool.Transaction(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO tunnels (tunnel_id, node_a, node_b, epoch, status, spec, mode, key_fingerprint, last_rekey)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tunnel_id) DO UPDATE SET
				node_a = excluded.node_a,
				node_b = excluded.node_b,
				epoch = excluded.epoch,
				status = excluded.status,
				spec = excluded.spec,
				mode = excluded.mode,
				key_fingerprint = excluded.key_fingerprint,
				last_rekey = excluded.last_rekey`,
			&sqlitex.ExecOptions{
				Args: []any{
					tunnel.Spec.TunnelID,
					tunnel.Spec.NodeA,
					tunnel.Spec.NodeB,
					int64(tunnel.Epoch),
					string(tunnel.Status),
					spec,
					string(tunnel.Mode),
					tunnel.KeyFingerprint,
					lastRekey,
				},
			})
		if err != nil {
			return fmt.Errorf("orchestrator store: writing tunnel %s: %w", tunnel.Spec.TunnelID, err)
		}
		return nil
	})
}

// DeleteTunnel removes a tunnel row. Deleting an absent tunnel is not
// an error.
func (s *Store) DeleteTunnel(ctx context.Context, tunnelID string) error {
	return s.pool.Transaction(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM tunnels WHERE tunnel_id = ?`,
			&sqlitex.ExecOptions{Args: []any{tunnelID}})
		if err != nil {
			return fmt.Errorf("orchestrator store: deleting tunnel %s: %w", tunnelID, err)
		}
		return nil
	})
}

// DeletePeer removes every replay mark and sequence counter that names
// the node as sender or recipient.
func (s *Store) DeletePeer(ctx context.Context, nodeID string) error {
	return s.pool.Transaction(ctx, func(conn *sqlite.Conn) error {
		for _, table := range []string{"replay_marks", "sequences"} {
			err := sqlitex.Execute(conn,
				`DELETE FROM `+table+` WHERE sender = ? OR recipient = ?`,
				&sqlitex.ExecOptions{Args: []any{nodeID, nodeID}})
			if err != nil {
				return fmt.Errorf("orchestrator store: deleting %s rows for %s: %w", table, nodeID, err)
			}
		}
		return nil
	})
}

// ProtocolState returns every stored replay mark and sequence counter.
func (s *Store) ProtocolState(ctx context.Context) ([]replay.Mark, []Sequence, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator store: %w", err)
	}
	defer s.pool.Put(conn)

	var marks []replay.Mark
	err = sqlitex.Execute(conn,
		`SELECT sender, recipient, high_water FROM replay_marks ORDER BY sender, recipient`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				marks = append(marks, replay.Mark{
					Sender:    stmt.ColumnText(0),
					Recipient: stmt.ColumnText(1),
					HighWater: uint64(stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator store: reading replay marks: %w", err)
	}

	var sequences []Sequence
	err = sqlitex.Execute(conn,
		`SELECT sender, recipient, next FROM sequences ORDER BY sender, recipient`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sequences = append(sequences, Sequence{
					Sender:    stmt.ColumnText(0),
					Recipient: stmt.ColumnText(1),
					Next:      uint64(stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator store: reading sequences: %w", err)
	}
	return marks, sequences, nil
}

// PutProtocolState upserts replay marks and sequence counters in one
// transaction. A stored value never moves backwards.
func (s *Store) PutProtocolState(ctx context.Context, marks []replay.Mark, sequences []Sequence) error {
	return s.pool.Transaction(ctx, func(conn *sqlite.Conn) error {
		for _, mark := range marks {
			err := sqlitex.Execute(conn,
				`INSERT INTO replay_marks (sender, recipient, high_water) VALUES (?, ?, ?)
				 ON CONFLICT (sender, recipient) DO UPDATE SET
					high_water = max(high_water, excluded.high_water)`,
				&sqlitex.ExecOptions{Args: []any{mark.Sender, mark.Recipient, int64(mark.HighWater)}})
			if err != nil {
				return fmt.Errorf("orchestrator store: writing replay mark %s->%s: %w", mark.Sender, mark.Recipient, err)
			}
		}
		for _, sequence := range sequences {
			err := sqlitex.Execute(conn,
				`INSERT INTO sequences (sender, recipient, next) VALUES (?, ?, ?)
				 ON CONFLICT (sender, recipient) DO UPDATE SET
					next = max(next, excluded.next)`,
				&sqlitex.ExecOptions{Args: []any{sequence.Sender, sequence.Recipient, int64(sequence.Next)}})
			if err != nil {
				return fmt.Errorf("orchestrator store: writing sequence %s->%s: %w", sequence.Sender, sequence.Recipient, err)
			}
		}
		return nil
	})
}

// readBlob copies a BLOB column out of the statement.
func readBlob(stmt *sqlite.Stmt, column int) []byte {
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}
