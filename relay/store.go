// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/driftlog/sync/syncerr"
)

// schema is the relay-side persisted layout (§6: "Relay persisted
// layout"), distinct from the client's storage.Store schema since rows here
// carry deviceId/userId per event and a durable next_seq counter rather
// than a per-device nextLocalSeq.
const schema = `
CREATE TABLE IF NOT EXISTS workspace_seq (
	workspace_id TEXT PRIMARY KEY,
	next_seq     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS events (
	workspace_id           TEXT NOT NULL,
	seq                    INTEGER NOT NULL,
	event_id               TEXT NOT NULL,
	device_id              TEXT NOT NULL,
	user_id                TEXT NOT NULL,
	created_at_ms          INTEGER NOT NULL,
	event_schema_version   INTEGER NOT NULL,
	payload_schema_version INTEGER NOT NULL,
	type                   TEXT NOT NULL,
	payload_json           TEXT NOT NULL,
	local_seq              INTEGER,
	PRIMARY KEY (workspace_id, seq),
	UNIQUE (workspace_id, event_id)
);

CREATE TABLE IF NOT EXISTS device_cursors (
	workspace_id  TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	last_seq      INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace_id, device_id)
);

CREATE TABLE IF NOT EXISTS blobs (
	workspace_id  TEXT NOT NULL,
	hash          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	content_type  TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	path          TEXT NOT NULL,
	PRIMARY KEY (workspace_id, hash)
);

CREATE TABLE IF NOT EXISTS conflicts (
	workspace_id TEXT NOT NULL,
	conflict_id  TEXT NOT NULL,
	atom_id      TEXT NOT NULL,
	version_ids  TEXT NOT NULL,
	reason       TEXT NOT NULL,
	status       TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, conflict_id)
);
`

// Store is the relay's durable backing store, one sqlite database shared by
// every workspace the relay serves.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the relay database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "open relay database")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "apply pragma: "+pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, syncerr.Wrap(syncerr.CodeStorageCorrupt, err, "apply relay schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// eventRow is one row from the events table.
type eventRow struct {
	Seq                  int64
	EventID              string
	DeviceID             string
	UserID               string
	CreatedAtMs          int64
	EventSchemaVersion   int
	PayloadSchemaVersion int
	Type                 string
	PayloadJSON          json.RawMessage
	LocalSeq             *int64
}

// BeginTx starts a transaction; callers hold the Sequencer lock for the
// workspace for its whole lifetime (§4.6: push is transactional).
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "begin relay transaction")
	}
	return tx, nil
}

// eventSeqByID returns the existing seq for (workspaceID, eventID), if any.
func eventSeqByID(ctx context.Context, tx *sql.Tx, workspaceID, eventID string) (int64, bool, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT seq FROM events WHERE workspace_id = ? AND event_id = ?`, workspaceID, eventID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, syncerr.Wrap(syncerr.CodeStorageIO, err, "lookup event seq")
	}
	return seq, true, nil
}

// allocateSeq ensures a workspace_seq row exists, then atomically advances
// and returns the allocated seq (§4.6: "gap-free prefix of the integers").
func allocateSeq(ctx context.Context, tx *sql.Tx, workspaceID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_seq (workspace_id, next_seq) VALUES (?, 1)
		ON CONFLICT (workspace_id) DO NOTHING`, workspaceID); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "seed workspace seq")
	}
	var allocated int64
	if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM workspace_seq WHERE workspace_id = ?`, workspaceID).Scan(&allocated); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "read next seq")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workspace_seq SET next_seq = next_seq + 1 WHERE workspace_id = ?`, workspaceID); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "advance next seq")
	}
	return allocated, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, workspaceID string, seq int64, row eventRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (workspace_id, seq, event_id, device_id, user_id, created_at_ms,
			event_schema_version, payload_schema_version, type, payload_json, local_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workspaceID, seq, row.EventID, row.DeviceID, row.UserID, row.CreatedAtMs,
		row.EventSchemaVersion, row.PayloadSchemaVersion, row.Type, string(row.PayloadJSON), row.LocalSeq)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "insert event")
	}
	return nil
}

func upsertDeviceCursor(ctx context.Context, tx *sql.Tx, workspaceID, deviceID string, cursor, nowMs int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_cursors (workspace_id, device_id, last_seq, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, device_id) DO UPDATE SET
			last_seq = MAX(last_seq, excluded.last_seq),
			updated_at_ms = excluded.updated_at_ms
	`, workspaceID, deviceID, cursor, nowMs)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "upsert device cursor")
	}
	return nil
}

func maxSeq(ctx context.Context, tx *sql.Tx, workspaceID string) (int64, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE workspace_id = ?`, workspaceID).Scan(&max); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "max seq")
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func (s *Store) listEventsAfter(ctx context.Context, workspaceID string, cursor int64, limit int) ([]eventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, device_id, user_id, created_at_ms, event_schema_version,
		       payload_schema_version, type, payload_json, local_seq
		FROM events
		WHERE workspace_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, workspaceID, cursor, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "list events after cursor")
	}
	defer rows.Close()

	var out []eventRow
	for rows.Next() {
		var r eventRow
		var payload string
		if err := rows.Scan(&r.Seq, &r.EventID, &r.DeviceID, &r.UserID, &r.CreatedAtMs,
			&r.EventSchemaVersion, &r.PayloadSchemaVersion, &r.Type, &payload, &r.LocalSeq); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "scan event row")
		}
		r.PayloadJSON = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) blobExists(ctx context.Context, workspaceID, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE workspace_id = ? AND hash = ?`, workspaceID, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, syncerr.Wrap(syncerr.CodeStorageIO, err, "check blob existence")
	}
	return true, nil
}

func (s *Store) saveBlobMeta(ctx context.Context, workspaceID, hash string, size int64, contentType, path string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (workspace_id, hash, size, content_type, created_at_ms, path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, hash) DO NOTHING`, workspaceID, hash, size, contentType, nowMs, path)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "save blob metadata")
	}
	return nil
}

func (s *Store) blobPath(ctx context.Context, workspaceID, hash string) (string, bool, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM blobs WHERE workspace_id = ? AND hash = ?`, workspaceID, hash).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.Wrap(syncerr.CodeStorageIO, err, "lookup blob path")
	}
	return path, true, nil
}
