// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/projection"
	"github.com/driftlog/sync/storage"
	"github.com/driftlog/sync/syncerr"
)

// BlobOpener opens a blob's bytes given the local path recorded in its
// manifest entry. The default, used when ExportOptions.OpenBlob is nil, is
// os.Open.
type BlobOpener func(localPath string) (io.ReadCloser, error)

func defaultOpener(path string) (io.ReadCloser, error) { return os.Open(path) }

// ExportOptions controls one export run.
type ExportOptions struct {
	// AllowMissingBlobs permits export to proceed when a referenced blob is
	// not locally present, recording it in Manifest.MissingBlobs instead of
	// failing (§4.7).
	AllowMissingBlobs bool
	OpenBlob          BlobOpener
}

// Export writes a bundle zip for workspaceID to w, returning the manifest
// it embedded. The projection shipped in portable/state.json is folded
// fresh from the exported events rather than read from the cache, so the
// bundle is self-consistent even if the cache is stale (§9: the cache is
// "fully derivable from the log at any time").
func Export(ctx context.Context, store storage.Store, workspaceID string, w io.Writer, opts ExportOptions) (Manifest, error) {
	opener := opts.OpenBlob
	if opener == nil {
		opener = defaultOpener
	}

	stored, err := store.ListEvents(ctx, workspaceID)
	if err != nil {
		return Manifest{}, err
	}
	plain := make([]event.Event, len(stored))
	for i, se := range stored {
		plain[i] = se.Event
	}
	snap := projection.Fold(stored)

	blobEntries, err := store.ListBlobManifest(ctx, workspaceID)
	if err != nil {
		return Manifest{}, err
	}
	byHash := make(map[string]storage.BlobManifestEntry, len(blobEntries))
	for _, e := range blobEntries {
		byHash[e.Hash] = e
	}

	referenced := append([]string(nil), snap.ReferencedBlobs...)
	sort.Strings(referenced)

	var missing []string
	var present []storage.BlobManifestEntry
	for _, hash := range referenced {
		entry, ok := byHash[hash]
		if !ok || !entry.IsPresent {
			missing = append(missing, hash)
			continue
		}
		present = append(present, entry)
	}
	if len(missing) > 0 && !opts.AllowMissingBlobs {
		return Manifest{}, syncerr.New(syncerr.CodeValidation, "export aborted: missing blobs, set AllowMissingBlobs to proceed").
			WithDetails(map[string]any{"missingBlobs": missing})
	}

	manifest := Manifest{
		SchemaVersion:                  schemaVersion,
		CreatedAtMs:                    time.Now().UnixMilli(),
		WorkspaceID:                    workspaceID,
		EventSchemaVersion:             event.CurrentSchemaVersion,
		MinSupportedEventSchemaVersion: event.MinSupportedSchemaVersion,
		Counts: Counts{
			Atoms:     len(snap.Atoms),
			Events:    len(plain),
			Blobs:     len(present),
			Conflicts: len(snap.Conflicts),
		},
		ReferencedBlobs: referenced,
		MissingBlobs:    missing,
	}

	zw := zip.NewWriter(w)

	if err := writeJSONEntry(zw, "manifest.json", manifest); err != nil {
		return Manifest{}, err
	}
	if err := writeEventsJSONL(zw, plain); err != nil {
		return Manifest{}, err
	}
	if err := writeAtomMarkdown(zw, snap); err != nil {
		return Manifest{}, err
	}
	if err := writeJSONEntry(zw, "portable/state.json", buildPortableState(snap)); err != nil {
		return Manifest{}, err
	}
	if err := writeBlobs(zw, present, opener); err != nil {
		return Manifest{}, err
	}

	if err := zw.Close(); err != nil {
		return Manifest{}, syncerr.Wrap(syncerr.CodeStorageIO, err, "close bundle zip")
	}
	return manifest, nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	f, err := zw.Create(name)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "create "+name)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "write "+name)
	}
	return nil
}

func writeEventsJSONL(zw *zip.Writer, events []event.Event) error {
	f, err := zw.Create("events/events.jsonl")
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageIO, err, "create events.jsonl")
	}
	for _, e := range events {
		wire, err := event.ToWire(e)
		if err != nil {
			return err
		}
		if _, err := f.Write(wire); err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "write event line")
		}
		if _, err := f.Write([]byte("\n")); err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "write event line")
		}
	}
	return nil
}

func writeAtomMarkdown(zw *zip.Writer, snap *projection.Snapshot) error {
	ids := make([]string, 0, len(snap.Atoms))
	for id := range snap.Atoms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		atom := snap.Atoms[id]
		fm := frontmatter{
			AtomID:          atom.AtomID,
			Title:           atom.Title,
			CreatedAtMs:     atom.CreatedAtMs,
			UpdatedAtMs:     atom.UpdatedAtMs,
			HeadVersionIDs:  atom.HeadVersionIDs,
			NeedsResolution: atom.NeedsResolution,
			BlobHashes:      atom.BlobHashes,
		}
		header, err := yaml.Marshal(fm)
		if err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "marshal atom frontmatter")
		}

		f, err := zw.Create(fmt.Sprintf("atoms/%s.md", atom.AtomID))
		if err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "create atom markdown")
		}
		if _, err := fmt.Fprintf(f, "---\n%s---\n\n%s\n", header, atom.Body); err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "write atom markdown")
		}
	}
	return nil
}

func buildPortableState(snap *projection.Snapshot) portableState {
	ids := make([]string, 0, len(snap.Atoms))
	for id := range snap.Atoms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	state := portableState{}
	for _, id := range ids {
		a := snap.Atoms[id]
		state.Atoms = append(state.Atoms, portableAtom{
			AtomID:          a.AtomID,
			Title:           a.Title,
			Body:            a.Body,
			CreatedAtMs:     a.CreatedAtMs,
			UpdatedAtMs:     a.UpdatedAtMs,
			CaptureEventID:  a.CaptureEventID,
			HeadVersionIDs:  a.HeadVersionIDs,
			NeedsResolution: a.NeedsResolution,
			BlobHashes:      a.BlobHashes,
		})
		for _, v := range snap.Versions[id] {
			state.AtomVersions = append(state.AtomVersions, portableVersion{
				AtomID:        v.AtomID,
				VersionID:     v.VersionID,
				ParentVersion: v.ParentVersion,
				Body:          v.Body,
				CreatedAtMs:   v.CreatedAtMs,
				ServerSeq:     v.ServerSeq,
				LocalSeq:      v.LocalSeq,
			})
		}
	}

	conflictIDs := make([]string, 0, len(snap.Conflicts))
	for id := range snap.Conflicts {
		conflictIDs = append(conflictIDs, id)
	}
	sort.Strings(conflictIDs)
	for _, id := range conflictIDs {
		c := snap.Conflicts[id]
		state.Conflicts = append(state.Conflicts, portableConflict{
			ConflictID:  c.ConflictID,
			AtomID:      c.AtomID,
			VersionIDs:  c.VersionIDs,
			Reason:      c.Reason,
			Status:      string(c.Status),
			CreatedAtMs: c.CreatedAtMs,
			UpdatedAtMs: c.UpdatedAtMs,
		})
	}
	return state
}

func writeBlobs(zw *zip.Writer, entries []storage.BlobManifestEntry, opener BlobOpener) error {
	for _, entry := range entries {
		name := fmt.Sprintf("blobs/%s%s", entry.Hash, extensionForContentType(entry.ContentType))
		dst, err := zw.Create(name)
		if err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "create blob entry")
		}
		src, err := opener(entry.LocalPath)
		if err != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, err, "open blob "+entry.Hash)
		}
		_, copyErr := io.Copy(dst, src)
		closeErr := src.Close()
		if copyErr != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, copyErr, "copy blob "+entry.Hash)
		}
		if closeErr != nil {
			return syncerr.Wrap(syncerr.CodeStorageIO, closeErr, "close blob "+entry.Hash)
		}
	}
	return nil
}

func extensionForContentType(contentType string) string {
	if contentType == "" {
		return ".bin"
	}
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
