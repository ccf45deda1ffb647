// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package projection

import (
	"sort"
	"strings"

	"github.com/driftlog/sync/event"
)

// Fold applies the four event folds (§4.3) to events, which the caller
// (storage.Store.ListEvents) must already have in the canonical fold order:
// canonical events ascending by serverSeq, then provisional events ordered
// by (localSeq, createdAtMs, eventId). Fold never looks at wall-clock time
// to make an ordering decision — only the order events are handed to it.
func Fold(events []event.StoredEvent) *Snapshot {
	snap := NewSnapshot()

	worstStatus := make(map[string]event.SyncStatus)
	hasProvisional := make(map[string]bool)
	var maxServerSeq int64

	touch := func(atomID string, e *event.StoredEvent) {
		if atomID == "" {
			return
		}
		if cur, ok := worstStatus[atomID]; ok {
			worstStatus[atomID] = event.Worse(cur, e.SyncStatus)
		} else {
			worstStatus[atomID] = e.SyncStatus
		}
		if e.ServerSeq == nil {
			hasProvisional[atomID] = true
		}
	}

	for i := range events {
		e := &events[i]
		if e.IsCanonical() && *e.ServerSeq > maxServerSeq {
			maxServerSeq = *e.ServerSeq
		}
		switch p := e.Payload.(type) {
		case event.CaptureText:
			touch(p.AtomID, e)
			foldCapture(snap, p, e)
		case event.AtomUpdate:
			touch(p.AtomID, e)
			foldUpdate(snap, p, e)
		case event.BlobAdd:
			touch(p.AtomID, e)
			foldBlob(snap, p)
		case event.ChangesetSuggest:
			// Accepted and re-emitted on export, never projected (§9 open
			// question (a)). Intentionally no-op.
		}
	}

	snap.LastAppliedSeq = maxServerSeq
	snap.Inbox = buildInbox(snap, worstStatus, hasProvisional)
	return snap
}

func foldCapture(snap *Snapshot, p event.CaptureText, e *event.StoredEvent) {
	if _, exists := snap.Atoms[p.AtomID]; exists {
		return // idempotent: capture.text.create is a no-op on replay
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = firstNonEmptyLine(p.Body)
	}
	if title == "" {
		title = "Untitled"
	}
	atom := &Atom{
		AtomID:         p.AtomID,
		Title:          title,
		Body:           p.Body,
		CreatedAtMs:    e.CreatedAtMs,
		UpdatedAtMs:    e.CreatedAtMs,
		CaptureEventID: e.EventID,
		HeadVersionIDs: []string{e.EventID},
	}
	snap.Atoms[p.AtomID] = atom
	appendVersion(snap, &AtomVersion{
		AtomID:      p.AtomID,
		VersionID:   e.EventID,
		Body:        p.Body,
		CreatedAtMs: e.CreatedAtMs,
		ServerSeq:   e.ServerSeq,
		LocalSeq:    e.LocalSeq,
	})
}

func foldUpdate(snap *Snapshot, p event.AtomUpdate, e *event.StoredEvent) {
	atom, exists := snap.Atoms[p.AtomID]
	if !exists {
		// Synthesize a placeholder so out-of-order pulls (the update arrived
		// before its atom's capture event) don't crash the fold (§4.3 rule 2).
		// Its head set starts empty: we genuinely don't know the real head yet.
		atom = &Atom{
			AtomID:         p.AtomID,
			Title:          "Untitled",
			CreatedAtMs:    e.CreatedAtMs,
			UpdatedAtMs:    e.CreatedAtMs,
			CaptureEventID: e.EventID,
		}
		snap.Atoms[p.AtomID] = atom
	}

	conflict := p.BaseVersionID != "" && !contains(atom.HeadVersionIDs, p.BaseVersionID)
	if conflict {
		atom.HeadVersionIDs = dedup(append(append([]string{}, atom.HeadVersionIDs...), e.EventID))
		atom.NeedsResolution = true
		openOrUpdateConflict(snap, atom, e)
	} else {
		atom.HeadVersionIDs = []string{e.EventID}
	}

	atom.Body = p.Body
	atom.UpdatedAtMs = e.CreatedAtMs
	appendVersion(snap, &AtomVersion{
		AtomID:        p.AtomID,
		VersionID:     e.EventID,
		ParentVersion: p.BaseVersionID,
		Body:          p.Body,
		CreatedAtMs:   e.CreatedAtMs,
		ServerSeq:     e.ServerSeq,
		LocalSeq:      e.LocalSeq,
	})
}

func openOrUpdateConflict(snap *Snapshot, atom *Atom, e *event.StoredEvent) {
	conflictID := "conflict:" + atom.AtomID
	c, exists := snap.Conflicts[conflictID]
	if !exists {
		c = &Conflict{
			ConflictID:  conflictID,
			AtomID:      atom.AtomID,
			Reason:      conflictReasonConcurrentUpdate,
			Status:      ConflictOpen,
			CreatedAtMs: e.CreatedAtMs,
		}
		snap.Conflicts[conflictID] = c
	}
	c.VersionIDs = append([]string(nil), atom.HeadVersionIDs...)
	c.UpdatedAtMs = e.CreatedAtMs
}

func foldBlob(snap *Snapshot, p event.BlobAdd) {
	snap.ReferencedBlobs = addSortedUnique(snap.ReferencedBlobs, p.Hash)
	if p.AtomID == "" {
		return
	}
	if atom, ok := snap.Atoms[p.AtomID]; ok {
		atom.BlobHashes = addSortedUnique(atom.BlobHashes, p.Hash)
	}
}

// buildInbox derives the InboxItem list (§4.3 "Inbox derivation"). Map
// iteration over snap.Atoms never influences a folding decision above; the
// explicit sort below is the "stable ordering step" §9 requires before this
// non-deterministic iteration order reaches an observable result.
func buildInbox(snap *Snapshot, worst map[string]event.SyncStatus, hasProvisional map[string]bool) []InboxItem {
	items := make([]InboxItem, 0, len(snap.Atoms))
	for atomID, atom := range snap.Atoms {
		status := worst[atomID]
		if status == event.StatusSynced && hasProvisional[atomID] {
			status = event.StatusWaitingSync
		}
		var serverSeq *int64
		if vs := snap.Versions[atomID]; len(vs) > 0 {
			serverSeq = vs[len(vs)-1].ServerSeq
		}
		items = append(items, InboxItem{
			ID:              "atom:" + atomID,
			AtomID:          atomID,
			Title:           atom.Title,
			Preview:         preview(atom.Body),
			CreatedAtMs:     atom.CreatedAtMs,
			UpdatedAtMs:     atom.UpdatedAtMs,
			SourceEventID:   atom.CaptureEventID,
			SyncStatus:      string(status),
			NeedsResolution: atom.NeedsResolution,
			ServerSeq:       serverSeq,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAtMs != items[j].CreatedAtMs {
			return items[i].CreatedAtMs > items[j].CreatedAtMs
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// preview whitespace-collapses body and truncates at 120 chars (§3).
func preview(body string) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	runes := []rune(collapsed)
	if len(runes) <= 120 {
		return collapsed
	}
	return string(runes[:120]) + "…"
}

func firstNonEmptyLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// addSortedUnique inserts v into the sorted slice list if absent, keeping
// list sorted. Used for the referencedBlobs / blobHashes sets (§3: "sorted
// unique hashes").
func addSortedUnique(list []string, v string) []string {
	i := sort.SearchStrings(list, v)
	if i < len(list) && list[i] == v {
		return list
	}
	out := make([]string, len(list)+1)
	copy(out, list[:i])
	out[i] = v
	copy(out[i+1:], list[i:])
	return out
}

func appendVersion(snap *Snapshot, v *AtomVersion) {
	snap.Versions[v.AtomID] = append(snap.Versions[v.AtomID], v)
}
