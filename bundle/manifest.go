// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bundle implements the export/import snapshot format (§4.7): a
// zip file carrying the event log, a rendered markdown view of every atom,
// a portable projection, and referenced blob bytes. It is the generalized
// descendant of the teacher's localblobstore content-addressed chunk map
// (localblobstore/chunkmap/chunkmap.go), which this package borrows for its
// hash-to-path blob layout inside the zip.
package bundle

// schemaVersion is the bundle format version (§4.7). Bumping it is a
// breaking change to every importer; there is exactly one version today.
const schemaVersion = "0.2"

// Manifest is manifest.json at the root of the bundle.
type Manifest struct {
	SchemaVersion                  string   `json:"schemaVersion"`
	CreatedAtMs                    int64    `json:"createdAtMs"`
	WorkspaceID                    string   `json:"workspaceId"`
	EventSchemaVersion             int      `json:"eventSchemaVersion"`
	MinSupportedEventSchemaVersion int      `json:"minSupportedEventSchemaVersion"`
	Counts                         Counts   `json:"counts"`
	ReferencedBlobs                []string `json:"referencedBlobs"`
	MissingBlobs                   []string `json:"missingBlobs,omitempty"`
}

// Counts summarizes what the bundle contains, for a quick sanity check
// before unpacking the full zip.
type Counts struct {
	Atoms     int `json:"atoms"`
	Events    int `json:"events"`
	Blobs     int `json:"blobs"`
	Conflicts int `json:"conflicts"`
}

// portableState is portable/state.json: the derived projection, shipped
// alongside the raw log so a viewer doesn't need to re-fold on read.
type portableState struct {
	Atoms        []portableAtom     `json:"atoms"`
	AtomVersions []portableVersion  `json:"atomVersions"`
	Conflicts    []portableConflict `json:"conflicts"`
}

type portableAtom struct {
	AtomID          string   `json:"atomId"`
	Title           string   `json:"title"`
	Body            string   `json:"body"`
	CreatedAtMs     int64    `json:"createdAtMs"`
	UpdatedAtMs     int64    `json:"updatedAtMs"`
	CaptureEventID  string   `json:"captureEventId"`
	HeadVersionIDs  []string `json:"headVersionIds"`
	NeedsResolution bool     `json:"needsResolution"`
	BlobHashes      []string `json:"blobHashes"`
}

type portableVersion struct {
	AtomID        string `json:"atomId"`
	VersionID     string `json:"versionId"`
	ParentVersion string `json:"parentVersion,omitempty"`
	Body          string `json:"body"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	ServerSeq     *int64 `json:"serverSeq,omitempty"`
	LocalSeq      *int64 `json:"localSeq,omitempty"`
}

type portableConflict struct {
	ConflictID  string   `json:"conflictId"`
	AtomID      string   `json:"atomId"`
	VersionIDs  []string `json:"versionIds"`
	Reason      string   `json:"reason"`
	Status      string   `json:"status"`
	CreatedAtMs int64    `json:"createdAtMs"`
	UpdatedAtMs int64    `json:"updatedAtMs"`
}

// frontmatter is the YAML header atoms/<atomId>.md carries above the body.
type frontmatter struct {
	AtomID          string   `yaml:"atomId"`
	Title           string   `yaml:"title,omitempty"`
	CreatedAtMs     int64    `yaml:"createdAtMs"`
	UpdatedAtMs     int64    `yaml:"updatedAtMs"`
	HeadVersionIDs  []string `yaml:"headVersionIds"`
	NeedsResolution bool     `yaml:"needsResolution"`
	BlobHashes      []string `yaml:"blobHashes,omitempty"`
}
