// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/projection"
	"github.com/driftlog/sync/storage"
	"github.com/driftlog/sync/syncerr"
)

// Mode selects how Import maps the bundle's workspaceId onto local storage
// (§4.7).
type Mode string

const (
	// ModeRestore keeps the bundle's workspaceId and requires the target
	// workspace to be empty.
	ModeRestore Mode = "restore"
	// ModeClone synthesizes a new workspaceId and rewrites every imported
	// event to carry it.
	ModeClone Mode = "clone"
)

// ImportOptions controls one import run.
type ImportOptions struct {
	Mode Mode
	// DeviceID is the importing device's id, used to seed the fresh
	// DeviceState row this import creates.
	DeviceID string
	// BlobDir is where blob bytes embedded in the bundle are extracted to.
	// Required if the bundle's manifest reports any blobs.
	BlobDir string
}

// Result reports what Import actually did, since clone mode picks a
// workspaceId the caller could not have supplied in advance.
type Result struct {
	WorkspaceID string
	Manifest    Manifest
}

// Import unpacks a bundle into store, validating it first (§4.7:
// validateImportBundle).
func Import(ctx context.Context, store storage.Store, ra io.ReaderAt, size int64, opts ImportOptions) (Result, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return Result{}, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "open bundle zip")
	}

	manifest, err := readManifest(zr)
	if err != nil {
		return Result{}, err
	}
	events, err := readEvents(zr)
	if err != nil {
		return Result{}, err
	}
	if err := validateImportBundle(manifest, events); err != nil {
		return Result{}, err
	}

	targetWorkspaceID := manifest.WorkspaceID
	switch opts.Mode {
	case ModeRestore:
		existing, err := store.ListEvents(ctx, targetWorkspaceID)
		if err != nil {
			return Result{}, err
		}
		if len(existing) > 0 {
			return Result{}, syncerr.New(syncerr.CodeValidation, "restore requires an empty workspace")
		}
	case ModeClone:
		targetWorkspaceID = event.NewID()
		for i := range events {
			events[i].WorkspaceID = targetWorkspaceID
		}
	default:
		return Result{}, syncerr.New(syncerr.CodeValidation, "unknown import mode: "+string(opts.Mode))
	}

	stored := make([]event.StoredEvent, len(events))
	var lastPulledSeq int64
	for i, e := range events {
		status := event.StatusSavedLocal
		if e.ServerSeq != nil {
			status = event.StatusSynced
			if *e.ServerSeq > lastPulledSeq {
				lastPulledSeq = *e.ServerSeq
			}
		}
		stored[i] = event.StoredEvent{Event: e, SyncStatus: status}
	}

	if err := store.UpsertEvents(ctx, targetWorkspaceID, stored); err != nil {
		return Result{}, err
	}

	if err := importBlobs(ctx, zr, store, targetWorkspaceID, manifest, opts.BlobDir); err != nil {
		return Result{}, err
	}

	snap := projection.Fold(stored)
	if err := store.SaveProjection(ctx, targetWorkspaceID, snap); err != nil {
		return Result{}, err
	}
	if err := store.SaveDeviceState(ctx, storage.DeviceState{
		WorkspaceID:     targetWorkspaceID,
		DeviceID:        opts.DeviceID,
		NextLocalSeq:    1,
		LastPulledSeq:   lastPulledSeq,
		LastAppliedSeq:  snap.LastAppliedSeq,
		ProjectionDirty: false,
	}); err != nil {
		return Result{}, err
	}

	manifest.WorkspaceID = targetWorkspaceID
	return Result{WorkspaceID: targetWorkspaceID, Manifest: manifest}, nil
}

// validateImportBundle enforces the §4.7 gate: bundle schema version must
// match exactly, and every event must already have passed migrateEvent
// (readEvents does this at parse time).
func validateImportBundle(manifest Manifest, events []event.Event) error {
	if manifest.SchemaVersion != schemaVersion {
		return syncerr.New(syncerr.CodeSchemaUnsupported, "unsupported bundle schemaVersion: "+manifest.SchemaVersion)
	}
	if manifest.MinSupportedEventSchemaVersion > event.CurrentSchemaVersion {
		return syncerr.New(syncerr.CodeSchemaUnsupported, "bundle requires a newer event schema than this build supports")
	}
	if manifest.EventSchemaVersion < event.MinSupportedSchemaVersion {
		return syncerr.New(syncerr.CodeSchemaUnsupported, "bundle event schema is older than the minimum supported")
	}
	_ = events // already validated event-by-event in readEvents via MigrateEvent
	return nil
}

func readManifest(zr *zip.Reader) (Manifest, error) {
	f, err := zr.Open("manifest.json")
	if err != nil {
		return Manifest{}, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "bundle missing manifest.json")
	}
	defer f.Close()

	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return Manifest{}, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "malformed manifest.json")
	}
	return m, nil
}

func readEvents(zr *zip.Reader) ([]event.Event, error) {
	f, err := zr.Open("events/events.jsonl")
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "bundle missing events/events.jsonl")
	}
	defer f.Close()

	var events []event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue // tolerate blank lines and a trailing newline (§7)
		}
		ev, err := event.MigrateEvent(line)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "read events.jsonl")
	}
	return events, nil
}

func importBlobs(ctx context.Context, zr *zip.Reader, store storage.Store, workspaceID string, manifest Manifest, blobDir string) error {
	if manifest.Counts.Blobs == 0 {
		return nil
	}
	if blobDir == "" {
		return syncerr.New(syncerr.CodeValidation, "bundle contains blobs but no BlobDir was configured for import")
	}
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "create blob import directory")
	}

	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "blobs/") {
			continue
		}
		hash, ext := splitBlobName(strings.TrimPrefix(f.Name, "blobs/"))
		if hash == "" {
			continue
		}

		src, err := f.Open()
		if err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "open bundled blob "+hash)
		}
		localPath := filepath.Join(blobDir, hash+ext)
		dst, err := os.Create(localPath)
		if err != nil {
			src.Close()
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "create local blob file")
		}
		size, copyErr := io.Copy(dst, src)
		src.Close()
		closeErr := dst.Close()
		if copyErr != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, copyErr, "write local blob file")
		}
		if closeErr != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, closeErr, "close local blob file")
		}

		contentType := mime.TypeByExtension(ext)
		if err := store.SaveBlobManifest(ctx, workspaceID, storage.BlobManifestEntry{
			Hash:        hash,
			Size:        size,
			ContentType: contentType,
			LocalPath:   localPath,
			IsPresent:   true,
			SyncStatus:  event.StatusSynced,
		}); err != nil {
			return err
		}
	}
	return nil
}

func splitBlobName(name string) (hash, ext string) {
	ext = filepath.Ext(name)
	hash = strings.TrimSuffix(name, ext)
	return hash, ext
}
