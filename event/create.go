// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"time"

	"github.com/google/uuid"
)

// Draft is the input to createEvent/appendLocalEvent: everything the author
// supplies before the storage adapter assigns a localSeq.
type Draft struct {
	Type        Type
	CreatedAtMs int64 // 0 means "stamp now"
	Payload     Payload
}

// NewID returns a globally unique, time-sortable event id (uuid-v7, §3).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the OS entropy source is broken; fall back to
		// a random v4 rather than panicking mid-capture.
		return uuid.NewString()
	}
	return id.String()
}

// CreateEvent builds a canonical-shaped Event from a draft, assigning
// eventId, the current schema version, and the caller-allocated localSeq
// (§4.1). serverSeq is always nil here: only the relay assigns that.
func CreateEvent(draft Draft, deviceID, workspaceID string, localSeq int64) Event {
	createdAt := draft.CreatedAtMs
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	seq := localSeq
	return Event{
		EventID:              NewID(),
		EventSchemaVersion:   CurrentSchemaVersion,
		PayloadSchemaVersion: currentPayloadSchemaVersion(draft.Type),
		Type:                 draft.Type,
		CreatedAtMs:          createdAt,
		DeviceID:             deviceID,
		WorkspaceID:          workspaceID,
		LocalSeq:             &seq,
		Payload:              draft.Payload,
	}
}

func currentPayloadSchemaVersion(t Type) int {
	switch t {
	case TypeBlobAdd:
		return 2 // schema 2 added extHint, see SPEC_FULL.md §4.1
	default:
		return 1
	}
}
