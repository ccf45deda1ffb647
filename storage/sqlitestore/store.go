// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqlitestore is the durable storage.Store implementation (§4.2,
// §6 "Persisted state"). It plays the role the teacher's LevelDB-backed
// store/leveldb package played for Syncbase, but on top of a pure-Go,
// cgo-free engine (modernc.org/sqlite) with WAL journaling instead of a
// cgo LevelDB binding, so the binary stays a single static executable.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/projection"
	"github.com/driftlog/sync/storage"
	"github.com/driftlog/sync/syncerr"
)

// Store is a modernc.org/sqlite-backed storage.Store. One database file may
// hold rows for several workspaces (§6).
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open creates (if needed) and opens the database file at path, applies
// the schema, and switches on WAL journaling (§6). All operations on a
// *Store share one connection and run one at a time.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "open sqlite database")
	}
	// A single connection serializes every read and write on this *Store.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "apply pragma: "+pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, syncerr.Wrap(syncerr.CodeStorageCorrupt, err, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetDeviceState(ctx context.Context, workspaceID, deviceID string) (storage.DeviceState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, next_local_seq, last_pulled_seq, last_applied_seq,
		       projection_dirty, last_sync_success_at_ms, last_error_code, last_error_message
		FROM device_state WHERE workspace_id = ? AND device_id = ?`, workspaceID, deviceID)

	ds := storage.DeviceState{WorkspaceID: workspaceID, DeviceID: deviceID}
	var dirty int
	err := row.Scan(&ds.UserID, &ds.NextLocalSeq, &ds.LastPulledSeq, &ds.LastAppliedSeq,
		&dirty, &ds.LastSyncSuccessAtMs, &ds.LastErrorCode, &ds.LastErrorMessage)
	if err == sql.ErrNoRows {
		ds.NextLocalSeq = 1
		return ds, nil
	}
	if err != nil {
		return storage.DeviceState{}, syncerr.Wrap(syncerr.CodeStorageIO, err, "get device state")
	}
	ds.ProjectionDirty = dirty != 0
	return ds, nil
}

func (s *Store) SaveDeviceState(ctx context.Context, ds storage.DeviceState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_state (workspace_id, device_id, user_id, next_local_seq, last_pulled_seq,
			last_applied_seq, projection_dirty, last_sync_success_at_ms, last_error_code, last_error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, device_id) DO UPDATE SET
			user_id = excluded.user_id,
			next_local_seq = excluded.next_local_seq,
			last_pulled_seq = excluded.last_pulled_seq,
			last_applied_seq = excluded.last_applied_seq,
			projection_dirty = excluded.projection_dirty,
			last_sync_success_at_ms = excluded.last_sync_success_at_ms,
			last_error_code = excluded.last_error_code,
			last_error_message = excluded.last_error_message
	`, ds.WorkspaceID, ds.DeviceID, ds.UserID, ds.NextLocalSeq, ds.LastPulledSeq,
		ds.LastAppliedSeq, boolToInt(ds.ProjectionDirty), ds.LastSyncSuccessAtMs, ds.LastErrorCode, ds.LastErrorMessage)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "save device state")
	}
	return nil
}

// AllocateLocalSeq is serialized by the single-writer connection pool
// (db.SetMaxOpenConns(1) in Open), so the read-then-write below never
// races with another caller on this *Store.
func (s *Store) AllocateLocalSeq(ctx context.Context, workspaceID, deviceID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "begin allocate local seq")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_state (workspace_id, device_id, next_local_seq)
		VALUES (?, ?, 1)
		ON CONFLICT (workspace_id, device_id) DO NOTHING`, workspaceID, deviceID); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "seed device state")
	}

	var allocated int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_local_seq FROM device_state WHERE workspace_id = ? AND device_id = ?`,
		workspaceID, deviceID).Scan(&allocated); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "read next local seq")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE device_state SET next_local_seq = next_local_seq + 1
		WHERE workspace_id = ? AND device_id = ?`, workspaceID, deviceID); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "advance next local seq")
	}
	if err := tx.Commit(); err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "commit allocate local seq")
	}
	return allocated, nil
}

// UpsertEvents is an all-or-nothing batch merge by eventId (§4.2, §9).
func (s *Store) UpsertEvents(ctx context.Context, workspaceID string, events []event.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "begin upsert events")
	}
	defer tx.Rollback()

	for _, incoming := range events {
		existing, found, err := loadEvent(ctx, tx, workspaceID, incoming.EventID)
		if err != nil {
			return err
		}
		merged := incoming
		if found {
			merged = storage.MergeEvents(existing, incoming)
		}
		if err := writeEvent(ctx, tx, workspaceID, merged); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "commit upsert events")
	}
	return nil
}

func loadEvent(ctx context.Context, tx *sql.Tx, workspaceID, eventID string) (event.StoredEvent, bool, error) {
	var blob []byte
	var status, errCode, errMsg string
	err := tx.QueryRowContext(ctx, `
		SELECT event_blob, sync_status, error_code, error_message
		FROM events WHERE workspace_id = ? AND event_id = ?`, workspaceID, eventID).
		Scan(&blob, &status, &errCode, &errMsg)
	if err == sql.ErrNoRows {
		return event.StoredEvent{}, false, nil
	}
	if err != nil {
		return event.StoredEvent{}, false, syncerr.Wrap(syncerr.CodeStorageIO, err, "load event")
	}
	e, err := event.MigrateEvent(blob)
	if err != nil {
		return event.StoredEvent{}, false, syncerr.Wrap(syncerr.CodeStorageCorrupt, err, "decode stored event")
	}
	return event.StoredEvent{Event: e, SyncStatus: event.SyncStatus(status), ErrorCode: errCode, ErrorMessage: errMsg}, true, nil
}

func writeEvent(ctx context.Context, tx *sql.Tx, workspaceID string, e event.StoredEvent) error {
	blob, err := event.ToWire(e.Event)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "encode event for storage")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (workspace_id, event_id, local_seq, server_seq, created_at_ms,
			sync_status, error_code, error_message, event_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, event_id) DO UPDATE SET
			local_seq = excluded.local_seq,
			server_seq = excluded.server_seq,
			created_at_ms = excluded.created_at_ms,
			sync_status = excluded.sync_status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			event_blob = excluded.event_blob
	`, workspaceID, e.EventID, e.LocalSeq, e.ServerSeq, e.CreatedAtMs,
		string(e.SyncStatus), e.ErrorCode, e.ErrorMessage, blob)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "write event")
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, workspaceID string) ([]event.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_blob, sync_status, error_code, error_message
		FROM events WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "list events")
	}
	defer rows.Close()

	var all []event.StoredEvent
	for rows.Next() {
		se, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, se)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "iterate events")
	}
	return storage.SortCanonicalFoldOrder(all), nil
}

func (s *Store) ListPendingEvents(ctx context.Context, workspaceID string, limit int) ([]event.StoredEvent, error) {
	if limit <= 0 {
		limit = storage.DefaultPendingLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_blob, sync_status, error_code, error_message
		FROM events
		WHERE workspace_id = ? AND server_seq IS NULL
		ORDER BY local_seq IS NULL, local_seq ASC, created_at_ms ASC, event_id ASC
		LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "list pending events")
	}
	defer rows.Close()

	var pending []event.StoredEvent
	for rows.Next() {
		se, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, se)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "iterate pending events")
	}
	return pending, nil
}

func scanStoredEvent(rows *sql.Rows) (event.StoredEvent, error) {
	var blob []byte
	var status, errCode, errMsg string
	if err := rows.Scan(&blob, &status, &errCode, &errMsg); err != nil {
		return event.StoredEvent{}, syncerr.Wrap(syncerr.CodeStorageIO, err, "scan event row")
	}
	e, err := event.MigrateEvent(blob)
	if err != nil {
		return event.StoredEvent{}, syncerr.Wrap(syncerr.CodeStorageCorrupt, err, "decode stored event")
	}
	return event.StoredEvent{Event: e, SyncStatus: event.SyncStatus(status), ErrorCode: errCode, ErrorMessage: errMsg}, nil
}

func (s *Store) AssignServerSeq(ctx context.Context, workspaceID string, mappings map[string]int64) (bool, error) {
	if len(mappings) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, syncerr.Wrap(syncerr.CodeStorageIO, err, "begin assign server seq")
	}
	defer tx.Rollback()

	changed := false
	for eventID, serverSeq := range mappings {
		res, err := tx.ExecContext(ctx, `
			UPDATE events SET server_seq = ?, sync_status = ?, error_code = '', error_message = ''
			WHERE workspace_id = ? AND event_id = ? AND (server_seq IS NULL OR server_seq != ?)`,
			serverSeq, string(event.StatusSynced), workspaceID, eventID, serverSeq)
		if err != nil {
			return false, syncerr.Wrap(syncerr.CodeStorageIO, err, "assign server seq")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, syncerr.Wrap(syncerr.CodeStorageIO, err, "rows affected")
		}
		if n > 0 {
			changed = true
		}
	}
	if err := tx.Commit(); err != nil {
		return false, syncerr.Wrap(syncerr.CodeStorageIO, err, "commit assign server seq")
	}
	return changed, nil
}

func (s *Store) UpdateEventStatus(ctx context.Context, workspaceID, eventID string, status event.SyncStatus, errorCode, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET sync_status = ?, error_code = ?, error_message = ?
		WHERE workspace_id = ? AND event_id = ?`, string(status), errorCode, errorMessage, workspaceID, eventID)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "update event status")
	}
	return nil
}

func (s *Store) SaveProjection(ctx context.Context, workspaceID string, snap *projection.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "marshal projection")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projections (workspace_id, snapshot_blob) VALUES (?, ?)
		ON CONFLICT (workspace_id) DO UPDATE SET snapshot_blob = excluded.snapshot_blob`,
		workspaceID, blob)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "save projection")
	}
	return nil
}

func (s *Store) GetProjection(ctx context.Context, workspaceID string) (*projection.Snapshot, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_blob FROM projections WHERE workspace_id = ?`, workspaceID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "get projection")
	}
	var snap projection.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageCorrupt, err, "decode projection")
	}
	return &snap, nil
}

func (s *Store) SaveBlobManifest(ctx context.Context, workspaceID string, entry storage.BlobManifestEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blob_manifest (workspace_id, hash, size, content_type, local_path, is_present,
			sync_status, error_code, error_message, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, hash) DO UPDATE SET
			size = excluded.size,
			content_type = excluded.content_type,
			local_path = excluded.local_path,
			is_present = excluded.is_present,
			sync_status = excluded.sync_status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			updated_at_ms = excluded.updated_at_ms
	`, workspaceID, entry.Hash, entry.Size, entry.ContentType, entry.LocalPath, boolToInt(entry.IsPresent),
		string(entry.SyncStatus), entry.ErrorCode, entry.ErrorMessage, entry.UpdatedAtMs)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "save blob manifest entry")
	}
	return nil
}

func (s *Store) ListBlobManifest(ctx context.Context, workspaceID string) ([]storage.BlobManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, size, content_type, local_path, is_present, sync_status, error_code, error_message, updated_at_ms
		FROM blob_manifest WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "list blob manifest")
	}
	defer rows.Close()

	var out []storage.BlobManifestEntry
	for rows.Next() {
		var e storage.BlobManifestEntry
		var present int
		var status string
		if err := rows.Scan(&e.Hash, &e.Size, &e.ContentType, &e.LocalPath, &present, &status,
			&e.ErrorCode, &e.ErrorMessage, &e.UpdatedAtMs); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "scan blob manifest row")
		}
		e.IsPresent = present != 0
		e.SyncStatus = event.SyncStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "iterate blob manifest")
	}
	return out, nil
}

func (s *Store) SaveSyncAttempt(ctx context.Context, workspaceID string, attempt storage.SyncAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_attempts (workspace_id, at_ms, succeeded, error_code, message)
		VALUES (?, ?, ?, ?, ?)`, workspaceID, attempt.AtMs, boolToInt(attempt.Succeeded), attempt.ErrorCode, attempt.Message)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "save sync attempt")
	}
	// Trim the ring: keep only the newest SyncAttemptRingSize rows.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM sync_attempts WHERE workspace_id = ? AND id NOT IN (
			SELECT id FROM sync_attempts WHERE workspace_id = ? ORDER BY id DESC LIMIT ?
		)`, workspaceID, workspaceID, storage.SyncAttemptRingSize)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "trim sync attempt ring")
	}
	return nil
}

func (s *Store) ListSyncAttempts(ctx context.Context, workspaceID string, n int) ([]storage.SyncAttempt, error) {
	if n <= 0 {
		n = storage.SyncAttemptRingSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT at_ms, succeeded, error_code, message FROM sync_attempts
		WHERE workspace_id = ? ORDER BY id DESC LIMIT ?`, workspaceID, n)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "list sync attempts")
	}
	defer rows.Close()

	var out []storage.SyncAttempt
	for rows.Next() {
		var a storage.SyncAttempt
		var succeeded int
		if err := rows.Scan(&a.AtMs, &succeeded, &a.ErrorCode, &a.Message); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "scan sync attempt row")
		}
		a.Succeeded = succeeded != 0
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "iterate sync attempts")
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
