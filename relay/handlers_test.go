// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/internal/authtoken"
	"github.com/driftlog/sync/transport"
	"github.com/driftlog/sync/transport/httptransport"
)

var testSecret = []byte("relay-test-secret")

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	srv := New(store, blobs, testSecret, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, srv
}

func clientFor(t *testing.T, ts *httptest.Server, userID, workspaceID string) *httptransport.Client {
	t.Helper()
	token, err := authtoken.Issue(authtoken.Claims{UserID: userID, WorkspaceID: workspaceID}, testSecret)
	require.NoError(t, err)
	return httptransport.New(ts.URL, token)
}

func wireCapture(t *testing.T, deviceID, workspaceID, atomID, body string) transport.WireEventJSON {
	t.Helper()
	ev := event.CreateEvent(event.Draft{
		Type:        event.TypeCaptureText,
		CreatedAtMs: 1000,
		Payload:     event.CaptureText{AtomID: atomID, Body: body},
	}, deviceID, workspaceID, 1)
	wire, err := event.ToWire(ev)
	require.NoError(t, err)
	return wire
}

func TestPush_AssignsSequentialServerSeq(t *testing.T) {
	ts, _ := newTestServer(t)
	c := clientFor(t, ts, "user-1", "ws-1")
	ctx := context.Background()

	resp, err := c.Push(ctx, transport.PushRequest{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		DeviceID:    "device-a",
		Events: []transport.WireEventJSON{
			wireCapture(t, "device-a", "ws-1", "atom-1", "hello"),
			wireCapture(t, "device-a", "ws-1", "atom-2", "world"),
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Accepted, 2)
	require.Equal(t, int64(1), resp.Accepted[0].ServerSeq)
	require.Equal(t, int64(2), resp.Accepted[1].ServerSeq)
	require.Equal(t, int64(2), resp.Cursor)
}

func TestPush_RepushSameEventIDIsIdempotent(t *testing.T) {
	ts, _ := newTestServer(t)
	c := clientFor(t, ts, "user-1", "ws-1")
	ctx := context.Background()

	wire := wireCapture(t, "device-a", "ws-1", "atom-1", "hello")
	req := transport.PushRequest{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		DeviceID:    "device-a",
		Events:      []transport.WireEventJSON{wire},
	}

	first, err := c.Push(ctx, req)
	require.NoError(t, err)
	second, err := c.Push(ctx, req)
	require.NoError(t, err)

	require.Equal(t, first.Accepted[0].ServerSeq, second.Accepted[0].ServerSeq)
	require.Equal(t, first.Cursor, second.Cursor)
}

func TestPush_RejectsWorkspaceMismatch(t *testing.T) {
	ts, _ := newTestServer(t)
	c := clientFor(t, ts, "user-1", "ws-1")
	ctx := context.Background()

	_, err := c.Push(ctx, transport.PushRequest{
		WorkspaceID: "ws-other",
		UserID:      "user-1",
		DeviceID:    "device-a",
		Events:      []transport.WireEventJSON{wireCapture(t, "device-a", "ws-other", "atom-1", "hello")},
	})
	require.Error(t, err)
}

func TestPullAfterPush_ReturnsEventsAscendingBySeq(t *testing.T) {
	ts, _ := newTestServer(t)
	c := clientFor(t, ts, "user-1", "ws-1")
	ctx := context.Background()

	_, err := c.Push(ctx, transport.PushRequest{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		DeviceID:    "device-a",
		Events: []transport.WireEventJSON{
			wireCapture(t, "device-a", "ws-1", "atom-1", "first"),
			wireCapture(t, "device-a", "ws-1", "atom-2", "second"),
		},
	})
	require.NoError(t, err)

	pulled, err := c.Pull(ctx, transport.PullRequest{WorkspaceID: "ws-1", UserID: "user-1", DeviceID: "device-b", Cursor: 0})
	require.NoError(t, err)
	require.Len(t, pulled.Events, 2)
	require.Equal(t, int64(2), pulled.Cursor)

	ev1, err := event.MigrateEvent(pulled.Events[0])
	require.NoError(t, err)
	require.NotNil(t, ev1.ServerSeq)
	require.Equal(t, int64(1), *ev1.ServerSeq)
}

func TestPull_RespectsCursor(t *testing.T) {
	ts, _ := newTestServer(t)
	c := clientFor(t, ts, "user-1", "ws-1")
	ctx := context.Background()

	_, err := c.Push(ctx, transport.PushRequest{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		DeviceID:    "device-a",
		Events: []transport.WireEventJSON{
			wireCapture(t, "device-a", "ws-1", "atom-1", "first"),
			wireCapture(t, "device-a", "ws-1", "atom-2", "second"),
		},
	})
	require.NoError(t, err)

	pulled, err := c.Pull(ctx, transport.PullRequest{WorkspaceID: "ws-1", UserID: "user-1", DeviceID: "device-b", Cursor: 1})
	require.NoError(t, err)
	require.Len(t, pulled.Events, 1)
}

func TestPush_BlobAddWithUnseenHashIsReportedMissing(t *testing.T) {
	ts, _ := newTestServer(t)
	c := clientFor(t, ts, "user-1", "ws-1")
	ctx := context.Background()

	ev := event.CreateEvent(event.Draft{
		Type:        event.TypeBlobAdd,
		CreatedAtMs: 1000,
		Payload:     event.BlobAdd{AtomID: "atom-1", Hash: "deadbeef", Size: 4, ContentType: "image/png"},
	}, "device-a", "ws-1", 1)
	wire, err := event.ToWire(ev)
	require.NoError(t, err)

	resp, err := c.Push(ctx, transport.PushRequest{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		DeviceID:    "device-a",
		Events:      []transport.WireEventJSON{wire},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"deadbeef"}, resp.MissingBlobHashes)
}

func TestBlobUploadThenDownload_RoundTrips(t *testing.T) {
	ts, _ := newTestServer(t)
	c := clientFor(t, ts, "user-1", "ws-1")
	ctx := context.Background()

	payload := []byte("these are blob bytes")
	hash := "9f1c96f8c0a2c3d4b1e5f6a7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7"
	err := c.UploadBlob(ctx, "ws-1", hash, "text/plain", payload)
	require.Error(t, err) // claimed hash is wrong on purpose

	realHash, _, werr := (&BlobStore{BaseDir: t.TempDir()}).Write("ws-1", "", bytes.NewReader(payload))
	require.NoError(t, werr)
	err = c.UploadBlob(ctx, "ws-1", realHash, "text/plain", payload)
	require.NoError(t, err)

	got, err := c.DownloadBlob(ctx, "ws-1", realHash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRequests_WithoutTokenAreRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sync/pull?cursor=0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
