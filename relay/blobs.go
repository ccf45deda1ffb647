// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/driftlog/sync/syncerr"
)

// BlobStore holds blob bytes on disk, content-addressed by sha256 hex hash
// (§4.6: "stream to temp file, compute sha256 while writing... atomically
// move into content-addressed slot"). This is the server-side sibling of
// the teacher's localblobstore/fs_cablobstore.go content-addressable chunk
// store, simplified from chunked fingerprints to a single whole-file hash.
type BlobStore struct {
	BaseDir string
}

// NewBlobStore ensures baseDir exists and returns a BlobStore rooted there.
func NewBlobStore(baseDir string) (*BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "create blob directory")
	}
	return &BlobStore{BaseDir: baseDir}, nil
}

func (b *BlobStore) pathFor(workspaceID, hash string) string {
	return filepath.Join(b.BaseDir, workspaceID, hash)
}

// PathFor exposes the on-disk path for a blob, for recording alongside its
// metadata row.
func (b *BlobStore) PathFor(workspaceID, hash string) string {
	return b.pathFor(workspaceID, hash)
}

// Write streams body to a temp file while hashing it, rejects on a hash
// mismatch, and atomically renames into the final content-addressed slot.
// A second writer of the same hash is benign (content addressing, §9 open
// question (c)): the rename is idempotent, first writer effectively wins.
func (b *BlobStore) Write(workspaceID, claimedHash string, body io.Reader) (string, int64, error) {
	dir := filepath.Join(b.BaseDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "create workspace blob directory")
	}

	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "create temp blob file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	closeErr := tmp.Close()
	if err != nil {
		return "", 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "write blob bytes")
	}
	if closeErr != nil {
		return "", 0, syncerr.Wrap(syncerr.CodeStorageIO, closeErr, "close temp blob file")
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if claimedHash != "" && computed != claimedHash {
		return "", 0, syncerr.New(syncerr.CodeHashMismatch, "uploaded bytes do not match claimed hash").
			WithDetails(map[string]any{"claimed": claimedHash, "computed": computed})
	}

	finalPath := b.pathFor(workspaceID, computed)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", 0, syncerr.Wrap(syncerr.CodeStorageIO, err, "rename blob into place")
	}
	return computed, size, nil
}

// Open returns a ReadSeekCloser for an existing blob, for range downloads.
func (b *BlobStore) Open(workspaceID, hash string) (*os.File, error) {
	f, err := os.Open(b.pathFor(workspaceID, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, syncerr.New(syncerr.CodeNotFound, "blob not found")
		}
		return nil, syncerr.Wrap(syncerr.CodeStorageIO, err, "open blob")
	}
	return f, nil
}
