// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package projection implements the deterministic fold from the canonical
// event order into the user-visible Atom/Conflict/Inbox view (§4.3). It is
// the spec's flattened, head-set descendant of the teacher's multi-parent
// DAG (services/syncbase/sync/dag.go) — see SPEC_FULL.md §4.3 for the
// mapping between AtomVersion/headVersionIds and the teacher's
// dagNode/graftInfo.newHeads.
package projection

// Atom is one user-visible note (§3).
type Atom struct {
	AtomID          string
	Title           string
	Body            string
	CreatedAtMs     int64
	UpdatedAtMs     int64
	CaptureEventID  string
	HeadVersionIDs  []string
	NeedsResolution bool
	BlobHashes      []string
}

// AtomVersion is one revision of an atom, identified by the event that
// introduced it (§3).
type AtomVersion struct {
	AtomID         string
	VersionID      string // == eventId
	ParentVersion  string // baseVersionId, empty if none
	Body           string
	CreatedAtMs    int64
	ServerSeq      *int64
	LocalSeq       *int64
}

const conflictReasonConcurrentUpdate = "concurrent_update"

// ConflictStatus is open or resolved (§3). This spec never auto-resolves
// (no CRDT merge, per Non-goals), so only "open" is ever produced by Fold;
// "resolved" is reserved for a future manual-resolution operation.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Conflict records that an atom has more than one concurrent head (§3).
type Conflict struct {
	ConflictID  string // "conflict:" + atomId
	AtomID      string
	VersionIDs  []string
	Reason      string
	Status      ConflictStatus
	CreatedAtMs int64
	UpdatedAtMs int64
}

// InboxItem is the view-model row surfaced to the UI shell (§3).
type InboxItem struct {
	ID              string // "atom:" + atomId
	AtomID          string
	Title           string
	Preview         string
	CreatedAtMs     int64
	UpdatedAtMs     int64
	SourceEventID   string
	SyncStatus      string
	NeedsResolution bool
	ServerSeq       *int64
}

// Snapshot is the full derived Projection (§3): atoms, their versions, open
// conflicts, the inbox view, and the set of referenced blob hashes. It is
// fully rebuildable from the event log at any time — any component may
// invalidate it without data loss (§9).
type Snapshot struct {
	Atoms           map[string]*Atom
	Versions        map[string][]*AtomVersion // keyed by atomId, insertion order
	Conflicts       map[string]*Conflict      // keyed by conflictId
	Inbox           []InboxItem
	ReferencedBlobs []string
	LastAppliedSeq  int64
}

// NewSnapshot returns an empty, ready-to-fold Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Atoms:     make(map[string]*Atom),
		Versions:  make(map[string][]*AtomVersion),
		Conflicts: make(map[string]*Conflict),
	}
}
