// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"encoding/json"
	"testing"

	"github.com/driftlog/sync/syncerr"
	"github.com/stretchr/testify/require"
)

func validWire(t *testing.T) wireEnvelope {
	t.Helper()
	payload, err := json.Marshal(CaptureText{AtomID: "a-1", Body: "hello"})
	require.NoError(t, err)
	return wireEnvelope{
		EventID:            "0192a1b2c3d4e5f60000000000000000",
		EventSchemaVersion: CurrentSchemaVersion,
		Type:               string(TypeCaptureText),
		DeviceID:           "device-a",
		WorkspaceID:        "ws-1",
		CreatedAtMs:        1_000_000,
		Payload:            payload,
	}
}

func TestMigrateEvent_Valid(t *testing.T) {
	w := validWire(t)
	raw, err := json.Marshal(w)
	require.NoError(t, err)

	e, err := MigrateEvent(raw)
	require.NoError(t, err)
	require.Equal(t, TypeCaptureText, e.Type)
	require.Equal(t, int64(1_000_000), e.CreatedAtMs)
	require.Equal(t, 1, e.PayloadSchemaVersion)
	ct, ok := e.Payload.(CaptureText)
	require.True(t, ok)
	require.Equal(t, "hello", ct.Body)
}

func TestMigrateEvent_RejectsShortEventID(t *testing.T) {
	w := validWire(t)
	w.EventID = "short"
	raw, _ := json.Marshal(w)

	_, err := MigrateEvent(raw)
	se, ok := syncerr.As(err)
	require.True(t, ok)
	require.Equal(t, syncerr.CodeSchemaInvalid, se.Code)
}

func TestMigrateEvent_RejectsUnknownType(t *testing.T) {
	w := validWire(t)
	w.Type = "note.delete"
	raw, _ := json.Marshal(w)

	_, err := MigrateEvent(raw)
	se, ok := syncerr.As(err)
	require.True(t, ok)
	require.Equal(t, syncerr.CodeSchemaInvalid, se.Code)
}

func TestMigrateEvent_RejectsMissingDeviceOrWorkspace(t *testing.T) {
	w := validWire(t)
	w.DeviceID = ""
	raw, _ := json.Marshal(w)
	_, err := MigrateEvent(raw)
	se, _ := syncerr.As(err)
	require.Equal(t, syncerr.CodeSchemaInvalid, se.Code)
}

func TestMigrateEvent_RejectsNonObjectPayload(t *testing.T) {
	w := validWire(t)
	w.Payload = json.RawMessage(`"just a string"`)
	raw, _ := json.Marshal(w)
	_, err := MigrateEvent(raw)
	se, _ := syncerr.As(err)
	require.Equal(t, syncerr.CodeSchemaInvalid, se.Code)
}

// TestMigrateEvent_SchemaGate is the "Schema gate" testable property from
// spec.md §8: migrateEvent rejects every event outside
// [MIN_SUPPORTED, CURRENT].
func TestMigrateEvent_SchemaGate(t *testing.T) {
	for _, v := range []int{MinSupportedSchemaVersion - 1, CurrentSchemaVersion + 1, 0, -5, 99} {
		w := validWire(t)
		w.EventSchemaVersion = v
		raw, _ := json.Marshal(w)
		_, err := MigrateEvent(raw)
		se, ok := syncerr.As(err)
		require.True(t, ok, "version %d should be rejected", v)
		require.Equal(t, syncerr.CodeSchemaUnsupported, se.Code)
	}
	for _, v := range []int{MinSupportedSchemaVersion, CurrentSchemaVersion} {
		w := validWire(t)
		w.EventSchemaVersion = v
		raw, _ := json.Marshal(w)
		_, err := MigrateEvent(raw)
		require.NoError(t, err, "version %d should be accepted", v)
	}
}

func TestMigrateEvent_CreatedAtPrecedence(t *testing.T) {
	w := validWire(t)
	w.CreatedAtMs = 0
	w.CreatedAt = "2024-01-02T03:04:05Z"
	raw, _ := json.Marshal(w)
	e, err := MigrateEvent(raw)
	require.NoError(t, err)
	require.NotZero(t, e.CreatedAtMs)
}

func TestMigrateEvent_PreservesLocalAndServerSeq(t *testing.T) {
	w := validWire(t)
	local := int64(4)
	server := int64(12)
	w.LocalSeq = &local
	w.ServerSeq = &server
	raw, _ := json.Marshal(w)
	e, err := MigrateEvent(raw)
	require.NoError(t, err)
	require.Equal(t, local, *e.LocalSeq)
	require.Equal(t, server, *e.ServerSeq)
	require.True(t, e.IsCanonical())
}

func TestCreateEvent_AssignsLocalSeqAndNoServerSeq(t *testing.T) {
	e := CreateEvent(Draft{Type: TypeCaptureText, Payload: CaptureText{AtomID: "a", Body: "b"}}, "device-a", "ws-1", 7)
	require.Equal(t, int64(7), *e.LocalSeq)
	require.Nil(t, e.ServerSeq)
	require.False(t, e.IsCanonical())
	require.Len(t, e.EventID, 36) // canonical uuid string form
}

func TestToWire_RoundTrips(t *testing.T) {
	e := CreateEvent(Draft{Type: TypeAtomUpdate, Payload: AtomUpdate{AtomID: "a", Body: "edited"}}, "device-a", "ws-1", 1)
	raw, err := ToWire(e)
	require.NoError(t, err)
	back, err := MigrateEvent(raw)
	require.NoError(t, err)
	require.Equal(t, e.EventID, back.EventID)
	require.Equal(t, e.Payload, back.Payload)
}
