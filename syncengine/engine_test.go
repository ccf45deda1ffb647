// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/storage"
	"github.com/driftlog/sync/storage/memstore"
	"github.com/driftlog/sync/syncerr"
	"github.com/driftlog/sync/transport"
)

func blobEntry(hash string, present bool) storage.BlobManifestEntry {
	status := event.StatusWaitingSync
	if present {
		status = event.StatusSynced
	}
	return storage.BlobManifestEntry{Hash: hash, Size: 1, IsPresent: present, SyncStatus: status}
}

// fakeRelay is a minimal in-memory stand-in for the relay sequencer (C6),
// just enough to drive syncNow end to end against two devices.
type fakeRelay struct {
	mu      sync.Mutex
	nextSeq int64
	byID    map[string]int64
	wire    map[int64]json.RawMessage
	cursors map[string]int64
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{byID: map[string]int64{}, wire: map[int64]json.RawMessage{}, cursors: map[string]int64{}}
}

var _ transport.Transport = (*fakeRelay)(nil)

func (r *fakeRelay) Push(_ context.Context, req transport.PushRequest) (transport.PushResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var accepted []transport.AcceptedEvent
	for _, raw := range req.Events {
		ev, err := event.MigrateEvent(raw)
		if err != nil {
			return transport.PushResponse{}, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "bad event in push")
		}
		if seq, ok := r.byID[ev.EventID]; ok {
			accepted = append(accepted, transport.AcceptedEvent{EventID: ev.EventID, ServerSeq: seq})
			continue
		}
		r.nextSeq++
		seq := r.nextSeq
		r.byID[ev.EventID] = seq
		ev.ServerSeq = &seq
		blob, err := event.ToWire(ev)
		if err != nil {
			return transport.PushResponse{}, err
		}
		r.wire[seq] = blob
		accepted = append(accepted, transport.AcceptedEvent{EventID: ev.EventID, ServerSeq: seq})
	}
	if req.ClientCursor > r.cursors[req.DeviceID] {
		r.cursors[req.DeviceID] = req.ClientCursor
	}
	return transport.PushResponse{Accepted: accepted, Cursor: r.nextSeq}, nil
}

func (r *fakeRelay) Pull(_ context.Context, req transport.PullRequest) (transport.PullResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var seqs []int64
	for seq := range r.wire {
		if seq > req.Cursor {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	cursor := req.Cursor
	events := make([]json.RawMessage, 0, len(seqs))
	for _, seq := range seqs {
		events = append(events, r.wire[seq])
		if seq > cursor {
			cursor = seq
		}
	}
	return transport.PullResponse{Events: events, Cursor: cursor}, nil
}

func (r *fakeRelay) UploadBlob(context.Context, string, string, string, []byte) error { return nil }
func (r *fakeRelay) DownloadBlob(context.Context, string, string) ([]byte, error)     { return nil, nil }

func newEngine(t *testing.T, tp transport.Transport, deviceID string) *Engine {
	t.Helper()
	return &Engine{
		Store:       memstore.New(),
		Transport:   tp,
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		DeviceID:    deviceID,
	}
}

func TestCaptureText_RejectsEmptyBody(t *testing.T) {
	e := newEngine(t, transport.Disabled{}, "dev-a")
	_, err := e.CaptureText(context.Background(), "a-1", "", "   ")
	se, ok := syncerr.As(err)
	require.True(t, ok)
	require.Equal(t, syncerr.CodeValidation, se.Code)
}

// TestCaptureText_OfflineProjectionImmediacy is scenario 4 from spec.md §8.
func TestCaptureText_OfflineProjectionImmediacy(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, transport.Disabled{}, "dev-a")

	_, err := e.CaptureText(ctx, "a-1", "", "hello offline")
	require.NoError(t, err)

	inbox, err := e.GetInbox(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Contains(t, []string{string(event.StatusSavedLocal), string(event.StatusWaitingSync)}, inbox[0].SyncStatus)
	require.Nil(t, inbox[0].ServerSeq)
}

// TestSyncNow_AuthExpiry is scenario 6 from spec.md §8: capture and inbox
// still work while sync fails with AUTH.
func TestSyncNow_AuthExpiry(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, transport.Disabled{Message: "token expired"}, "dev-a")

	_, err := e.CaptureText(ctx, "a-1", "", "still works offline")
	require.NoError(t, err)

	_, err = e.SyncNow(ctx)
	se, ok := syncerr.As(err)
	require.True(t, ok)
	require.Equal(t, syncerr.CodeAuth, se.Code)

	status, err := e.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastError)
	require.Equal(t, "AUTH", status.LastError.Code)

	inbox, err := e.GetInbox(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
}

func TestSyncNow_NoOpWhenNothingPending(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	e := newEngine(t, relay, "dev-a")
	e.Now = func() time.Time { return time.UnixMilli(1_000_000) }

	s1, err := e.SyncNow(ctx)
	require.NoError(t, err)
	s2, err := e.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
	require.Equal(t, 0, s2.PendingEvents)
}

// TestSyncNow_TwoClientConvergence: two devices sharing one relay converge
// on the same projection after each has synced.
func TestSyncNow_TwoClientConvergence(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	a := newEngine(t, relay, "dev-a")
	b := newEngine(t, relay, "dev-b")

	_, err := a.CaptureText(ctx, "shared", "", "from A")
	require.NoError(t, err)
	_, err = a.SyncNow(ctx)
	require.NoError(t, err)

	_, err = b.SyncNow(ctx)
	require.NoError(t, err)

	inboxB, err := b.GetInbox(ctx)
	require.NoError(t, err)
	require.Len(t, inboxB, 1)
	require.Equal(t, "atom:shared", inboxB[0].ID)
	require.Equal(t, string(event.StatusSynced), inboxB[0].SyncStatus)
}

// TestSyncNow_RepushIsIdempotent covers §4.4's idempotency guarantee:
// re-pushing an already-known event does not duplicate it.
func TestSyncNow_RepushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	e := newEngine(t, relay, "dev-a")

	_, err := e.CaptureText(ctx, "a-1", "", "body")
	require.NoError(t, err)

	// Deliver the event to the relay without recording the result locally,
	// as when a push succeeds but its response is lost: the event is still
	// pending (no serverSeq), so the next SyncNow pushes it a second time.
	pending, err := e.Store.ListPendingEvents(ctx, e.WorkspaceID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	raw, err := event.ToWire(pending[0].Event)
	require.NoError(t, err)
	_, err = relay.Push(ctx, transport.PushRequest{WorkspaceID: e.WorkspaceID, UserID: e.UserID, DeviceID: e.DeviceID, Events: []json.RawMessage{raw}})
	require.NoError(t, err)

	_, err = e.SyncNow(ctx)
	require.NoError(t, err)

	all, err := e.Store.ListEvents(ctx, e.WorkspaceID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, int64(1), *all[0].ServerSeq)
	require.Equal(t, int64(1), relay.nextSeq)
}

func TestGetSyncStatus_CountsPendingBlobs(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, transport.Disabled{}, "dev-a")

	require.NoError(t, e.Store.SaveBlobManifest(ctx, e.WorkspaceID, blobEntry("h1", false)))
	require.NoError(t, e.Store.SaveBlobManifest(ctx, e.WorkspaceID, blobEntry("h2", true)))

	status, err := e.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.PendingBlobs)
}
