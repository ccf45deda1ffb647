// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/storage"
	"github.com/driftlog/sync/storage/memstore"
)

func seedWorkspace(t *testing.T, store *memstore.Store, workspaceID, deviceID string) {
	t.Helper()
	ctx := context.Background()

	capture := event.CreateEvent(event.Draft{
		Type:        event.TypeCaptureText,
		CreatedAtMs: 1000,
		Payload:     event.CaptureText{AtomID: "atom-1", Title: "Groceries", Body: "milk, eggs"},
	}, deviceID, workspaceID, 1)
	seq := int64(1)
	capture.ServerSeq = &seq
	require.NoError(t, store.UpsertEvents(ctx, workspaceID, []event.StoredEvent{
		{Event: capture, SyncStatus: event.StatusSynced},
	}))
}

func seedWorkspaceWithBlob(t *testing.T, store *memstore.Store, workspaceID, deviceID, blobDir string) string {
	t.Helper()
	ctx := context.Background()
	seedWorkspace(t, store, workspaceID, deviceID)

	blobPath := filepath.Join(blobDir, "source-blob")
	require.NoError(t, os.WriteFile(blobPath, []byte("attachment bytes"), 0o644))

	add := event.CreateEvent(event.Draft{
		Type:        event.TypeBlobAdd,
		CreatedAtMs: 1001,
		Payload:     event.BlobAdd{AtomID: "atom-1", Hash: "abc123", Size: 16, ContentType: "text/plain"},
	}, deviceID, workspaceID, 2)
	seq := int64(2)
	add.ServerSeq = &seq
	require.NoError(t, store.UpsertEvents(ctx, workspaceID, []event.StoredEvent{
		{Event: add, SyncStatus: event.StatusSynced},
	}))
	require.NoError(t, store.SaveBlobManifest(ctx, workspaceID, storage.BlobManifestEntry{
		Hash:        "abc123",
		Size:        16,
		ContentType: "text/plain",
		LocalPath:   blobPath,
		IsPresent:   true,
		SyncStatus:  event.StatusSynced,
	}))
	return blobPath
}

func TestExport_ProducesManifestWithExpectedCounts(t *testing.T) {
	store := memstore.New()
	seedWorkspace(t, store, "ws-1", "device-a")

	var buf bytes.Buffer
	manifest, err := Export(context.Background(), store, "ws-1", &buf, ExportOptions{})
	require.NoError(t, err)
	require.Equal(t, "0.2", manifest.SchemaVersion)
	require.Equal(t, "ws-1", manifest.WorkspaceID)
	require.Equal(t, 1, manifest.Counts.Atoms)
	require.Equal(t, 1, manifest.Counts.Events)
	require.Empty(t, manifest.MissingBlobs)
}

func TestExport_AbortsOnMissingBlobUnlessAllowed(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	seedWorkspace(t, store, "ws-1", "device-a")

	add := event.CreateEvent(event.Draft{
		Type:        event.TypeBlobAdd,
		CreatedAtMs: 1001,
		Payload:     event.BlobAdd{AtomID: "atom-1", Hash: "missing-hash", Size: 5, ContentType: "text/plain"},
	}, "device-a", "ws-1", 2)
	seq := int64(2)
	add.ServerSeq = &seq
	require.NoError(t, store.UpsertEvents(ctx, "ws-1", []event.StoredEvent{{Event: add, SyncStatus: event.StatusSynced}}))

	var buf bytes.Buffer
	_, err := Export(ctx, store, "ws-1", &buf, ExportOptions{})
	require.Error(t, err)

	buf.Reset()
	manifest, err := Export(ctx, store, "ws-1", &buf, ExportOptions{AllowMissingBlobs: true})
	require.NoError(t, err)
	require.Equal(t, []string{"missing-hash"}, manifest.MissingBlobs)
}

func TestImport_RestoreRoundTripsEventsAndAtoms(t *testing.T) {
	src := memstore.New()
	seedWorkspace(t, src, "ws-1", "device-a")

	var buf bytes.Buffer
	_, err := Export(context.Background(), src, "ws-1", &buf, ExportOptions{})
	require.NoError(t, err)

	dst := memstore.New()
	ctx := context.Background()
	result, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()), int64(buf.Len()), ImportOptions{
		Mode:     ModeRestore,
		DeviceID: "device-b",
	})
	require.NoError(t, err)
	require.Equal(t, "ws-1", result.WorkspaceID)

	events, err := dst.ListEvents(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, event.StatusSynced, events[0].SyncStatus)

	snap, err := dst.GetProjection(ctx, "ws-1")
	require.NoError(t, err)
	require.Contains(t, snap.Atoms, "atom-1")
	require.Equal(t, "milk, eggs", snap.Atoms["atom-1"].Body)
}

func TestImport_RestoreRejectsNonEmptyWorkspace(t *testing.T) {
	src := memstore.New()
	seedWorkspace(t, src, "ws-1", "device-a")
	var buf bytes.Buffer
	_, err := Export(context.Background(), src, "ws-1", &buf, ExportOptions{})
	require.NoError(t, err)

	dst := memstore.New()
	seedWorkspace(t, dst, "ws-1", "device-a") // not empty

	_, err = Import(context.Background(), dst, bytes.NewReader(buf.Bytes()), int64(buf.Len()), ImportOptions{
		Mode:     ModeRestore,
		DeviceID: "device-b",
	})
	require.Error(t, err)
}

func TestImport_CloneSynthesizesNewWorkspaceID(t *testing.T) {
	src := memstore.New()
	seedWorkspace(t, src, "ws-1", "device-a")
	var buf bytes.Buffer
	_, err := Export(context.Background(), src, "ws-1", &buf, ExportOptions{})
	require.NoError(t, err)

	dst := memstore.New()
	ctx := context.Background()
	result, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()), int64(buf.Len()), ImportOptions{
		Mode:     ModeClone,
		DeviceID: "device-b",
	})
	require.NoError(t, err)
	require.NotEqual(t, "ws-1", result.WorkspaceID)

	events, err := dst.ListEvents(ctx, result.WorkspaceID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, result.WorkspaceID, events[0].WorkspaceID)
}

func TestExportImport_RoundTripsBlobBytes(t *testing.T) {
	src := memstore.New()
	seedWorkspaceWithBlob(t, src, "ws-1", "device-a", t.TempDir())

	var buf bytes.Buffer
	manifest, err := Export(context.Background(), src, "ws-1", &buf, ExportOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, manifest.Counts.Blobs)

	dst := memstore.New()
	ctx := context.Background()
	blobDir := t.TempDir()
	result, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()), int64(buf.Len()), ImportOptions{
		Mode:     ModeRestore,
		DeviceID: "device-b",
		BlobDir:  blobDir,
	})
	require.NoError(t, err)

	entries, err := dst.ListBlobManifest(ctx, result.WorkspaceID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsPresent)

	data, err := os.ReadFile(entries[0].LocalPath)
	require.NoError(t, err)
	require.Equal(t, "attachment bytes", string(data))
}

func TestValidateImportBundle_RejectsWrongSchemaVersion(t *testing.T) {
	err := validateImportBundle(Manifest{SchemaVersion: "9.9"}, nil)
	require.Error(t, err)
}

func TestValidateImportBundle_RejectsUnsupportedEventSchema(t *testing.T) {
	err := validateImportBundle(Manifest{
		SchemaVersion:                  schemaVersion,
		MinSupportedEventSchemaVersion: event.CurrentSchemaVersion + 1,
	}, nil)
	require.Error(t, err)

	err = validateImportBundle(Manifest{
		SchemaVersion:      schemaVersion,
		EventSchemaVersion: event.MinSupportedSchemaVersion - 1,
	}, nil)
	require.Error(t, err)
}
