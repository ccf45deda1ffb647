// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/driftlog/sync/syncerr"
)

// minEventIDLen is a sanity floor, not a format check: the spec only asks
// that migrateEvent reject ids that are "missing/too short" (§4.1). A
// uuid-v7/ULID is always at least this long.
const minEventIDLen = 16

// wireEnvelope is the JSON shape events arrive in from transport or an
// import bundle — the teacher's VDL wire struct (sync_types.vdl.go),
// expressed as a plain Go struct with the payload left undecoded until the
// type tag is known.
type wireEnvelope struct {
	EventID              string          `json:"eventId"`
	EventSchemaVersion   int             `json:"eventSchemaVersion"`
	PayloadSchemaVersion int             `json:"payloadSchemaVersion,omitempty"`
	Type                 string          `json:"type"`
	CreatedAtMs          int64           `json:"createdAtMs,omitempty"`
	CreatedAt            string          `json:"createdAt,omitempty"`
	DeviceID             string          `json:"deviceId"`
	WorkspaceID          string          `json:"workspaceId"`
	LocalSeq             *int64          `json:"localSeq,omitempty"`
	ServerSeq            *int64          `json:"serverSeq,omitempty"`
	Payload              json.RawMessage `json:"payload"`
}

// MigrateEvent decodes and validates a raw wire event (§4.1). It is the
// sole ingestion path for events coming from transport (pull responses) or
// an import bundle.
func MigrateEvent(raw []byte) (Event, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, syncerr.New(syncerr.CodeSchemaInvalid, "malformed event json: "+err.Error())
	}
	return migrateEnvelope(w)
}

// MigrateRawEvent is the same validation applied to an already-decoded
// envelope, used when the caller has the JSON broken apart already (e.g.
// the relay's push handler, which receives a batch).
func MigrateRawEvent(eventID string, eventSchemaVersion, payloadSchemaVersion int, typ, deviceID, workspaceID string, createdAtMs int64, createdAt string, localSeq, serverSeq *int64, payload json.RawMessage) (Event, error) {
	return migrateEnvelope(wireEnvelope{
		EventID:              eventID,
		EventSchemaVersion:   eventSchemaVersion,
		PayloadSchemaVersion: payloadSchemaVersion,
		Type:                 typ,
		DeviceID:             deviceID,
		WorkspaceID:          workspaceID,
		CreatedAtMs:          createdAtMs,
		CreatedAt:            createdAt,
		LocalSeq:             localSeq,
		ServerSeq:            serverSeq,
		Payload:              payload,
	})
}

func migrateEnvelope(w wireEnvelope) (Event, error) {
	if len(w.EventID) < minEventIDLen {
		return Event{}, syncerr.New(syncerr.CodeSchemaInvalid, "eventId missing or too short")
	}
	if !ValidTypes[Type(w.Type)] {
		return Event{}, syncerr.New(syncerr.CodeSchemaInvalid, "unknown event type: "+w.Type)
	}
	if w.DeviceID == "" || w.WorkspaceID == "" {
		return Event{}, syncerr.New(syncerr.CodeSchemaInvalid, "deviceId/workspaceId missing")
	}
	if len(w.Payload) == 0 || !isJSONObject(w.Payload) {
		return Event{}, syncerr.New(syncerr.CodeSchemaInvalid, "payload must be an object")
	}
	if w.EventSchemaVersion < MinSupportedSchemaVersion || w.EventSchemaVersion > CurrentSchemaVersion {
		return Event{}, syncerr.New(syncerr.CodeSchemaUnsupported, "eventSchemaVersion out of range")
	}

	payloadSchemaVersion := w.PayloadSchemaVersion
	if payloadSchemaVersion == 0 {
		// Schema-1 payloads never carried this field; default it (§4.1 supplement).
		payloadSchemaVersion = 1
	}

	payload, err := decodePayload(Type(w.Type), w.Payload)
	if err != nil {
		return Event{}, err
	}

	createdAtMs := normalizeCreatedAt(w.CreatedAtMs, w.CreatedAt)

	return Event{
		EventID:              w.EventID,
		EventSchemaVersion:   w.EventSchemaVersion,
		PayloadSchemaVersion: payloadSchemaVersion,
		Type:                 Type(w.Type),
		CreatedAtMs:          createdAtMs,
		DeviceID:             w.DeviceID,
		WorkspaceID:          w.WorkspaceID,
		LocalSeq:             w.LocalSeq,
		ServerSeq:            w.ServerSeq,
		Payload:              payload,
	}, nil
}

// normalizeCreatedAt applies the §4.1 precedence: numeric field, then
// ISO-8601 string, then current time (legacy-only fallback).
func normalizeCreatedAt(ms int64, iso string) int64 {
	if ms != 0 {
		return ms
	}
	if iso != "" {
		if t, err := time.Parse(time.RFC3339, iso); err == nil {
			return t.UnixMilli()
		}
	}
	return time.Now().UnixMilli()
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeCaptureText:
		var p CaptureText
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, syncerr.New(syncerr.CodeSchemaInvalid, "bad capture.text.create payload")
		}
		return p, nil
	case TypeAtomUpdate:
		var p AtomUpdate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, syncerr.New(syncerr.CodeSchemaInvalid, "bad atom.text.update payload")
		}
		return p, nil
	case TypeBlobAdd:
		var p BlobAdd
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, syncerr.New(syncerr.CodeSchemaInvalid, "bad blob.add payload")
		}
		return p, nil
	case TypeChangesetSuggest:
		var p ChangesetSuggest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, syncerr.New(syncerr.CodeSchemaInvalid, "bad changeset.suggest.create payload")
		}
		return p, nil
	default:
		return nil, syncerr.New(syncerr.CodeSchemaInvalid, "unknown event type: "+string(t))
	}
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

// MarshalPayload is the inverse of decodePayload, used by transport and
// bundle export to put an Event back on the wire.
func MarshalPayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "failed to marshal payload")
	}
	return b, nil
}

// ToWire converts an Event back into its JSON wire envelope, e.g. for
// transport push requests or bundle export.
func ToWire(e Event) ([]byte, error) {
	payload, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	w := wireEnvelope{
		EventID:              e.EventID,
		EventSchemaVersion:   e.EventSchemaVersion,
		PayloadSchemaVersion: e.PayloadSchemaVersion,
		Type:                 string(e.Type),
		CreatedAtMs:          e.CreatedAtMs,
		DeviceID:             e.DeviceID,
		WorkspaceID:          e.WorkspaceID,
		LocalSeq:             e.LocalSeq,
		ServerSeq:            e.ServerSeq,
		Payload:              payload,
	}
	return json.Marshal(w)
}
