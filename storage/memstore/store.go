// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memstore is the in-memory Store implementation used by tests
// (§4.2: "for tests"). It is the direct descendant of the teacher's
// store/test package: same role (a test double with identical observable
// semantics to the durable engine), reshaped around this spec's flatter
// event-log contract instead of a generic versioned key/value store.
package memstore

import (
	"context"
	"sync"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/projection"
	"github.com/driftlog/sync/storage"
)

type workspace struct {
	mu           sync.Mutex
	devices      map[string]storage.DeviceState
	events       map[string]event.StoredEvent // keyed by eventId
	blobManifest map[string]storage.BlobManifestEntry
	syncAttempts []storage.SyncAttempt // ring, newest appended at the end
	projection   *projection.Snapshot
}

// Store is an in-process, mutex-guarded implementation of storage.Store.
// A single Store may hold multiple workspaces (§6).
type Store struct {
	mu         sync.Mutex
	workspaces map[string]*workspace
}

var _ storage.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{workspaces: make(map[string]*workspace)}
}

func (s *Store) ws(workspaceID string) *workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[workspaceID]
	if !ok {
		w = &workspace{
			devices:      make(map[string]storage.DeviceState),
			events:       make(map[string]event.StoredEvent),
			blobManifest: make(map[string]storage.BlobManifestEntry),
		}
		s.workspaces[workspaceID] = w
	}
	return w
}

func (s *Store) GetDeviceState(_ context.Context, workspaceID, deviceID string) (storage.DeviceState, error) {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	ds, ok := w.devices[deviceID]
	if !ok {
		return storage.DeviceState{WorkspaceID: workspaceID, DeviceID: deviceID, NextLocalSeq: 1}, nil
	}
	return ds, nil
}

func (s *Store) SaveDeviceState(_ context.Context, ds storage.DeviceState) error {
	w := s.ws(ds.WorkspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.devices[ds.DeviceID] = ds
	return nil
}

func (s *Store) AllocateLocalSeq(_ context.Context, workspaceID, deviceID string) (int64, error) {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	ds, ok := w.devices[deviceID]
	if !ok {
		ds = storage.DeviceState{WorkspaceID: workspaceID, DeviceID: deviceID, NextLocalSeq: 1}
	}
	allocated := ds.NextLocalSeq
	ds.NextLocalSeq++
	w.devices[deviceID] = ds
	return allocated, nil
}

func (s *Store) UpsertEvents(_ context.Context, workspaceID string, events []event.StoredEvent) error {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	// All-or-nothing: stage into a copy of the map, then swap (§4.2).
	staged := make(map[string]event.StoredEvent, len(w.events)+len(events))
	for k, v := range w.events {
		staged[k] = v
	}
	for _, incoming := range events {
		if existing, ok := staged[incoming.EventID]; ok {
			staged[incoming.EventID] = storage.MergeEvents(existing, incoming)
		} else {
			staged[incoming.EventID] = incoming
		}
	}
	w.events = staged
	return nil
}

func (s *Store) ListEvents(_ context.Context, workspaceID string) ([]event.StoredEvent, error) {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	all := make([]event.StoredEvent, 0, len(w.events))
	for _, e := range w.events {
		all = append(all, e)
	}
	return storage.SortCanonicalFoldOrder(all), nil
}

func (s *Store) ListPendingEvents(_ context.Context, workspaceID string, limit int) ([]event.StoredEvent, error) {
	if limit <= 0 {
		limit = storage.DefaultPendingLimit
	}
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	var pending []event.StoredEvent
	for _, e := range w.events {
		if !e.IsCanonical() {
			pending = append(pending, e)
		}
	}
	storage.SortPending(pending)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) AssignServerSeq(_ context.Context, workspaceID string, mappings map[string]int64) (bool, error) {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := false
	for eventID, serverSeq := range mappings {
		e, ok := w.events[eventID]
		if !ok {
			continue
		}
		seq := serverSeq
		if e.ServerSeq != nil && *e.ServerSeq == seq {
			continue
		}
		e.ServerSeq = &seq
		e.SyncStatus = event.StatusSynced
		e.ErrorCode = ""
		e.ErrorMessage = ""
		w.events[eventID] = e
		changed = true
	}
	return changed, nil
}

func (s *Store) UpdateEventStatus(_ context.Context, workspaceID, eventID string, status event.SyncStatus, errorCode, errorMessage string) error {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.events[eventID]
	if !ok {
		return nil
	}
	e.SyncStatus = status
	e.ErrorCode = errorCode
	e.ErrorMessage = errorMessage
	w.events[eventID] = e
	return nil
}

func (s *Store) SaveProjection(_ context.Context, workspaceID string, snap *projection.Snapshot) error {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.projection = snap
	return nil
}

func (s *Store) GetProjection(_ context.Context, workspaceID string) (*projection.Snapshot, error) {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.projection, nil
}

func (s *Store) SaveBlobManifest(_ context.Context, workspaceID string, entry storage.BlobManifestEntry) error {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blobManifest[entry.Hash] = entry
	return nil
}

func (s *Store) ListBlobManifest(_ context.Context, workspaceID string) ([]storage.BlobManifestEntry, error) {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]storage.BlobManifestEntry, 0, len(w.blobManifest))
	for _, e := range w.blobManifest {
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) SaveSyncAttempt(_ context.Context, workspaceID string, attempt storage.SyncAttempt) error {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncAttempts = append(w.syncAttempts, attempt)
	if len(w.syncAttempts) > storage.SyncAttemptRingSize {
		w.syncAttempts = w.syncAttempts[len(w.syncAttempts)-storage.SyncAttemptRingSize:]
	}
	return nil
}

func (s *Store) ListSyncAttempts(_ context.Context, workspaceID string, n int) ([]storage.SyncAttempt, error) {
	w := s.ws(workspaceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 || n > len(w.syncAttempts) {
		n = len(w.syncAttempts)
	}
	out := make([]storage.SyncAttempt, n)
	// newest first.
	for i := 0; i < n; i++ {
		out[i] = w.syncAttempts[len(w.syncAttempts)-1-i]
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
