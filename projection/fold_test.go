// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package projection

import (
	"testing"

	"github.com/driftlog/sync/event"
	"github.com/stretchr/testify/require"
)

func seq(n int64) *int64 { return &n }

func storedCapture(atomID, body string, createdAt int64, eventID string, serverSeq *int64, localSeq *int64) event.StoredEvent {
	return event.StoredEvent{
		Event: event.Event{
			EventID:     eventID,
			Type:        event.TypeCaptureText,
			CreatedAtMs: createdAt,
			ServerSeq:   serverSeq,
			LocalSeq:    localSeq,
			Payload:     event.CaptureText{AtomID: atomID, Body: body},
		},
		SyncStatus: statusFor(serverSeq),
	}
}

func storedUpdate(atomID, body, base string, createdAt int64, eventID string, serverSeq *int64, localSeq *int64) event.StoredEvent {
	return event.StoredEvent{
		Event: event.Event{
			EventID:     eventID,
			Type:        event.TypeAtomUpdate,
			CreatedAtMs: createdAt,
			ServerSeq:   serverSeq,
			LocalSeq:    localSeq,
			Payload:     event.AtomUpdate{AtomID: atomID, Body: body, BaseVersionID: base},
		},
		SyncStatus: statusFor(serverSeq),
	}
}

func statusFor(serverSeq *int64) event.SyncStatus {
	if serverSeq == nil {
		return event.StatusWaitingSync
	}
	return event.StatusSynced
}

func TestFold_CaptureCreatesAtom(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("a-1", "Hello world\nsecond line", 1_000_000, "evt-1", seq(1), nil),
	})
	atom := snap.Atoms["a-1"]
	require.NotNil(t, atom)
	require.Equal(t, "Hello world", atom.Title)
	require.Equal(t, []string{"evt-1"}, atom.HeadVersionIDs)
	require.False(t, atom.NeedsResolution)
	require.Len(t, snap.Inbox, 1)
	require.Equal(t, "atom:a-1", snap.Inbox[0].ID)
}

func TestFold_CaptureIsIdempotent(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("a-1", "first", 1, "evt-1", seq(1), nil),
		storedCapture("a-1", "second capture should be ignored", 2, "evt-2", seq(2), nil),
	})
	require.Equal(t, "first", snap.Atoms["a-1"].Body)
}

func TestFold_UpdateNoConflict(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("a-1", "v0", 1, "evt-cap", seq(1), nil),
		storedUpdate("a-1", "v1", "evt-cap", 2, "evt-u1", seq(2), nil),
	})
	atom := snap.Atoms["a-1"]
	require.Equal(t, "v1", atom.Body)
	require.Equal(t, []string{"evt-u1"}, atom.HeadVersionIDs)
	require.False(t, atom.NeedsResolution)
	require.Empty(t, snap.Conflicts)
}

// TestFold_ConcurrentEdit is scenario 2 from spec.md §8: two concurrent
// edits branching from the same captureId both land with needsResolution
// and a single open Conflict referencing both edit ids (not the capture).
func TestFold_ConcurrentEdit(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("shared", "v0", 1, "cap-1", seq(1), nil),
		storedUpdate("shared", "Edit from A", "cap-1", 2, "edit-a", seq(2), nil),
		storedUpdate("shared", "Edit from B", "cap-1", 3, "edit-b", seq(3), nil),
	})
	atom := snap.Atoms["shared"]
	require.True(t, atom.NeedsResolution)
	require.Len(t, atom.HeadVersionIDs, 2)
	require.ElementsMatch(t, []string{"edit-a", "edit-b"}, atom.HeadVersionIDs)

	c := snap.Conflicts["conflict:shared"]
	require.NotNil(t, c)
	require.Equal(t, ConflictOpen, c.Status)
	require.Equal(t, "concurrent_update", c.Reason)
	require.ElementsMatch(t, []string{"edit-a", "edit-b"}, c.VersionIDs)
	require.NotContains(t, c.VersionIDs, "cap-1")
}

func TestFold_RepeatedConcurrentBranchUpdatesSameConflict(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("shared", "v0", 1, "cap-1", seq(1), nil),
		storedUpdate("shared", "A1", "cap-1", 2, "edit-a", seq(2), nil),
		storedUpdate("shared", "B1", "cap-1", 3, "edit-b", seq(3), nil),
		storedUpdate("shared", "A2", "cap-1", 4, "edit-a2", seq(4), nil),
	})
	require.Len(t, snap.Conflicts, 1)
	c := snap.Conflicts["conflict:shared"]
	require.ElementsMatch(t, []string{"edit-a", "edit-b", "edit-a2"}, c.VersionIDs)
}

func TestFold_BlobAddTracksReferencedAndAtomHashes(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("a-1", "body", 1, "cap-1", seq(1), nil),
		{Event: event.Event{EventID: "blob-1", Type: event.TypeBlobAdd, CreatedAtMs: 2, ServerSeq: seq(2),
			Payload: event.BlobAdd{AtomID: "a-1", Hash: "bbbb", Size: 4, ContentType: "text/plain"}}, SyncStatus: event.StatusSynced},
		{Event: event.Event{EventID: "blob-2", Type: event.TypeBlobAdd, CreatedAtMs: 3, ServerSeq: seq(3),
			Payload: event.BlobAdd{Hash: "aaaa", Size: 4, ContentType: "text/plain"}}, SyncStatus: event.StatusSynced},
	})
	require.Equal(t, []string{"aaaa", "bbbb"}, snap.ReferencedBlobs)
	require.Equal(t, []string{"bbbb"}, snap.Atoms["a-1"].BlobHashes)
}

func TestFold_ChangesetSuggestNotProjected(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		{Event: event.Event{EventID: "cs-1", Type: event.TypeChangesetSuggest, CreatedAtMs: 1, ServerSeq: seq(1),
			Payload: event.ChangesetSuggest{ChangesetID: "c-1", NoteIDs: []string{"a-1"}}}, SyncStatus: event.StatusSynced},
	})
	require.Empty(t, snap.Atoms)
	require.Empty(t, snap.Inbox)
}

func TestFold_InboxOrderIsCreatedAtDescThenIDAsc(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("b", "body b", 100, "evt-b", seq(1), nil),
		storedCapture("a", "body a", 100, "evt-a", seq(2), nil),
		storedCapture("c", "body c", 200, "evt-c", seq(3), nil),
	})
	require.Len(t, snap.Inbox, 3)
	require.Equal(t, []string{"atom:c", "atom:a", "atom:b"}, []string{snap.Inbox[0].ID, snap.Inbox[1].ID, snap.Inbox[2].ID})
}

func TestFold_ProvisionalDemotesSyncedToWaitingSync(t *testing.T) {
	snap := Fold([]event.StoredEvent{
		storedCapture("a-1", "v0", 1, "cap-1", seq(1), nil),
		storedUpdate("a-1", "v1", "cap-1", 2, "edit-1", nil, seq(1)),
	})
	require.Equal(t, string(event.StatusWaitingSync), snap.Inbox[0].SyncStatus)
}

// TestFold_Determinism is the "Projection determinism" property (§8): any
// permutation of the provisional tail that preserves (localSeq, eventId)
// ordering yields an identical Snapshot.
func TestFold_Determinism(t *testing.T) {
	build := func(order []event.StoredEvent) *Snapshot { return Fold(order) }

	base := []event.StoredEvent{
		storedCapture("a-1", "v0", 1, "cap-1", nil, seq(1)),
		storedUpdate("a-1", "v1", "cap-1", 2, "edit-1", nil, seq(2)),
	}
	s1 := build(base)

	// Same (localSeq, eventId) order, events re-sliced into a fresh copy —
	// still must fold identically.
	reordered := append([]event.StoredEvent(nil), base...)
	s2 := build(reordered)

	require.Equal(t, s1.Atoms["a-1"].Body, s2.Atoms["a-1"].Body)
	require.Equal(t, s1.Atoms["a-1"].HeadVersionIDs, s2.Atoms["a-1"].HeadVersionIDs)
	require.Equal(t, s1.Inbox, s2.Inbox)
}

// TestFold_CanonicalStability is the "Canonical stability" property (§8):
// a provisional event that later becomes canonical, without relative
// reordering, produces a byte-identical body/heads/conflicts result.
func TestFold_CanonicalStability(t *testing.T) {
	provisional := []event.StoredEvent{
		storedCapture("a-1", "v0", 1, "cap-1", nil, seq(1)),
		storedUpdate("a-1", "v1", "cap-1", 2, "edit-1", nil, seq(2)),
	}
	provSnap := Fold(provisional)

	canonical := []event.StoredEvent{
		storedCapture("a-1", "v0", 1, "cap-1", seq(10), seq(1)),
		storedUpdate("a-1", "v1", "cap-1", 2, "edit-1", seq(11), seq(2)),
	}
	canonSnap := Fold(canonical)

	require.Equal(t, provSnap.Atoms["a-1"].Body, canonSnap.Atoms["a-1"].Body)
	require.Equal(t, provSnap.Atoms["a-1"].HeadVersionIDs, canonSnap.Atoms["a-1"].HeadVersionIDs)
	require.Equal(t, provSnap.Atoms["a-1"].NeedsResolution, canonSnap.Atoms["a-1"].NeedsResolution)
}

// TestFold_DeterministicReorder is scenario 5 from spec.md §8: 01 canonical
// at seq 10; 02, 03 arrive later with seqs 12 and 11 (03 is server-earlier
// than 02). The final body must equal the payload of the event at seq 12,
// regardless of the provisional arrival order of 02/03 on the client.
func TestFold_DeterministicReorder(t *testing.T) {
	canonicalOrder := []event.StoredEvent{
		storedCapture("a-1", "base", 1, "01", seq(10), nil),
		storedUpdate("a-1", "from-03", "01", 3, "03", seq(11), nil),
		storedUpdate("a-1", "from-02", "01", 2, "02", seq(12), nil),
	}
	snap := Fold(canonicalOrder)
	require.Equal(t, "from-02", snap.Atoms["a-1"].Body)
}
