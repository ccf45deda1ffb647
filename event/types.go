// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event defines the sync core's sole unit of truth: the immutable,
// typed Event (§3) and its schema migration (§4.1). The teacher's VDL wire
// types (server/interfaces/sync_types.vdl.go) separated a stable wire shape
// from an internal representation decoded by a single switch on a type tag;
// Type/Payload below is that same split expressed as a Go tagged sum instead
// of VDL-generated unions.
package event

import "fmt"

// Type identifies the shape of an Event's Payload. The set is closed:
// migrateEvent rejects anything outside it with CodeSchemaInvalid.
type Type string

const (
	TypeCaptureText      Type = "capture.text.create"
	TypeAtomUpdate       Type = "atom.text.update"
	TypeBlobAdd          Type = "blob.add"
	TypeChangesetSuggest Type = "changeset.suggest.create"
)

// ValidTypes is the closed set §4.1 checks membership against.
var ValidTypes = map[Type]bool{
	TypeCaptureText:      true,
	TypeAtomUpdate:       true,
	TypeBlobAdd:          true,
	TypeChangesetSuggest: true,
}

const (
	// MinSupportedSchemaVersion and CurrentSchemaVersion bound the
	// eventSchemaVersion gate in migrateEvent (§4.1).
	MinSupportedSchemaVersion = 1
	CurrentSchemaVersion      = 2
)

// SyncStatus is the StoredEvent lifecycle enum (§3).
type SyncStatus string

const (
	StatusSavedLocal          SyncStatus = "saved_local"
	StatusWaitingSync         SyncStatus = "waiting_sync"
	StatusSyncing             SyncStatus = "syncing"
	StatusSynced              SyncStatus = "synced"
	StatusSyncedTextOnly      SyncStatus = "synced_text_only"
	StatusMediaDownloading    SyncStatus = "media_downloading"
	StatusSyncFailed          SyncStatus = "sync_failed"
	StatusBlockedQuotaStorage SyncStatus = "blocked_quota_or_storage"
	StatusBlockedHashMismatch SyncStatus = "blocked_hash_mismatch"
	StatusBlockedAuth         SyncStatus = "blocked_auth"
)

// statusPriority orders statuses worst-first for inbox rollup (§4.3):
// blocked_auth > blocked_hash_mismatch > blocked_quota_or_storage >
// sync_failed > syncing > media_downloading > synced_text_only >
// waiting_sync > saved_local > synced.
var statusPriority = map[SyncStatus]int{
	StatusBlockedAuth:         0,
	StatusBlockedHashMismatch: 1,
	StatusBlockedQuotaStorage: 2,
	StatusSyncFailed:          3,
	StatusSyncing:             4,
	StatusMediaDownloading:    5,
	StatusSyncedTextOnly:      6,
	StatusWaitingSync:         7,
	StatusSavedLocal:          8,
	StatusSynced:              9,
}

// Worse returns whichever of a, b ranks worse by the fixed inbox priority.
func Worse(a, b SyncStatus) SyncStatus {
	if statusPriority[a] <= statusPriority[b] {
		return a
	}
	return b
}

// Payload is implemented by each event type's typed payload.
type Payload interface {
	Type() Type
}

// CaptureText is the capture.text.create payload: creates an atom.
type CaptureText struct {
	AtomID string `json:"atomId"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body"`
}

func (CaptureText) Type() Type { return TypeCaptureText }

// AtomUpdate is the atom.text.update payload: proposes a new body.
type AtomUpdate struct {
	AtomID        string `json:"atomId"`
	Body          string `json:"body"`
	BaseVersionID string `json:"baseVersionId,omitempty"`
}

func (AtomUpdate) Type() Type { return TypeAtomUpdate }

// BlobAdd is the blob.add payload: declares a binary attachment by hash.
type BlobAdd struct {
	AtomID      string `json:"atomId,omitempty"`
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	ExtHint     string `json:"extHint,omitempty"`
}

func (BlobAdd) Type() Type { return TypeBlobAdd }

// ChangesetSuggest is logged and re-emitted on export but never projected
// (§4.3 rule 4, §9 open question (a)).
type ChangesetSuggest struct {
	ChangesetID string   `json:"changesetId"`
	NoteIDs     []string `json:"noteIds"`
	Summary     string   `json:"summary,omitempty"`
}

func (ChangesetSuggest) Type() Type { return TypeChangesetSuggest }

// Event is the immutable unit of truth (§3). An Event with ServerSeq set is
// "canonical"; otherwise it is "provisional".
type Event struct {
	EventID              string
	EventSchemaVersion   int
	PayloadSchemaVersion int
	Type                 Type
	CreatedAtMs          int64
	DeviceID             string
	WorkspaceID          string
	LocalSeq             *int64
	ServerSeq            *int64
	Payload              Payload
}

// IsCanonical reports whether the relay has assigned this event a seq.
func (e *Event) IsCanonical() bool { return e.ServerSeq != nil }

func (e *Event) String() string {
	return fmt.Sprintf("Event{%s type=%s device=%s local=%v server=%v}",
		e.EventID, e.Type, e.DeviceID, seqStr(e.LocalSeq), seqStr(e.ServerSeq))
}

func seqStr(p *int64) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

// StoredEvent wraps Event with the replication status machinery owned by
// the storage adapter (§3).
type StoredEvent struct {
	Event
	SyncStatus   SyncStatus
	ErrorCode    string
	ErrorMessage string
}
