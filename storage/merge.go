// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import "github.com/driftlog/sync/event"

// MergeEvents is the total function §9 calls for: the one place two copies
// of an event coexist transiently inside UpsertEvents. Rules, in order:
//
//  1. prefer a non-null serverSeq from either side (serverSeq, once
//     assigned, never changes — §3 — so whichever side has it wins; if
//     both have it they must agree, the incoming value is kept since a
//     relay-supplied serverSeq is always authoritative, §4.1),
//  2. take the caller's (incoming's) syncStatus and error fields,
//  3. preserve the earliest localSeq.
func MergeEvents(existing, incoming event.StoredEvent) event.StoredEvent {
	merged := incoming

	switch {
	case incoming.ServerSeq != nil:
		// keep incoming's value (rule 1, relay-authoritative).
	case existing.ServerSeq != nil:
		merged.ServerSeq = existing.ServerSeq
	}

	switch {
	case merged.LocalSeq == nil:
		merged.LocalSeq = existing.LocalSeq
	case existing.LocalSeq != nil && *existing.LocalSeq < *merged.LocalSeq:
		merged.LocalSeq = existing.LocalSeq
	}

	return merged
}
