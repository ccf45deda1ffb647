// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlitestore

// schema is applied once per database file, on Open. Every table is keyed
// by workspace_id first since one file may back multiple workspaces (§6).
const schema = `
CREATE TABLE IF NOT EXISTS device_state (
	workspace_id           TEXT NOT NULL,
	device_id              TEXT NOT NULL,
	user_id                TEXT NOT NULL DEFAULT '',
	next_local_seq         INTEGER NOT NULL DEFAULT 1,
	last_pulled_seq        INTEGER NOT NULL DEFAULT 0,
	last_applied_seq       INTEGER NOT NULL DEFAULT 0,
	projection_dirty       INTEGER NOT NULL DEFAULT 0,
	last_sync_success_at_ms INTEGER NOT NULL DEFAULT 0,
	last_error_code        TEXT NOT NULL DEFAULT '',
	last_error_message     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workspace_id, device_id)
);

CREATE TABLE IF NOT EXISTS events (
	workspace_id    TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	local_seq       INTEGER,
	server_seq      INTEGER,
	created_at_ms   INTEGER NOT NULL,
	sync_status     TEXT NOT NULL,
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	event_blob      BLOB NOT NULL,
	PRIMARY KEY (workspace_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_events_pending
	ON events (workspace_id, local_seq, created_at_ms, event_id)
	WHERE server_seq IS NULL;
CREATE INDEX IF NOT EXISTS idx_events_canonical
	ON events (workspace_id, server_seq)
	WHERE server_seq IS NOT NULL;

CREATE TABLE IF NOT EXISTS projections (
	workspace_id TEXT PRIMARY KEY,
	snapshot_blob BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS blob_manifest (
	workspace_id   TEXT NOT NULL,
	hash           TEXT NOT NULL,
	size           INTEGER NOT NULL,
	content_type   TEXT NOT NULL DEFAULT '',
	local_path     TEXT NOT NULL DEFAULT '',
	is_present     INTEGER NOT NULL DEFAULT 0,
	sync_status    TEXT NOT NULL,
	error_code     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	updated_at_ms  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace_id, hash)
);

CREATE TABLE IF NOT EXISTS sync_attempts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL,
	at_ms        INTEGER NOT NULL,
	succeeded    INTEGER NOT NULL,
	error_code   TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_attempts_ws ON sync_attempts (workspace_id, id);
`
