// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import (
	"sort"

	"github.com/driftlog/sync/event"
)

// SortPending orders events by (localSeq ASC, createdAtMs ASC, eventId ASC),
// the tie-break §4.3 requires for the provisional tail. memstore calls it
// for ListPendingEvents, and both stores reach it through
// SortCanonicalFoldOrder for ListEvents; sqlitestore's pending query sorts
// by the same key in SQL, also placing events without a localSeq last.
func SortPending(events []event.StoredEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		al, bl := localSeqOf(a), localSeqOf(b)
		if al != bl {
			return al < bl
		}
		if a.CreatedAtMs != b.CreatedAtMs {
			return a.CreatedAtMs < b.CreatedAtMs
		}
		return a.EventID < b.EventID
	})
}

func localSeqOf(e event.StoredEvent) int64 {
	if e.LocalSeq == nil {
		return 1<<63 - 1 // events without a localSeq sort last
	}
	return *e.LocalSeq
}

// SortCanonicalFoldOrder arranges events into the canonical fold order
// (§4.2 listEvents): canonical events ascending by serverSeq first, then
// provisional events in SortPending order.
func SortCanonicalFoldOrder(events []event.StoredEvent) []event.StoredEvent {
	var canonical, provisional []event.StoredEvent
	for _, e := range events {
		if e.IsCanonical() {
			canonical = append(canonical, e)
		} else {
			provisional = append(provisional, e)
		}
	}
	sort.SliceStable(canonical, func(i, j int) bool {
		return *canonical[i].ServerSeq < *canonical[j].ServerSeq
	})
	SortPending(provisional)
	return append(canonical, provisional...)
}
