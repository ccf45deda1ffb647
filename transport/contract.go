// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport defines the device-to-relay wire contract (§4.5): the
// narrow surface syncengine drives, with one live implementation
// (httptransport) and one stub (Disabled) for signed-out operation. This is
// the generalized descendant of the teacher's bridge_mojo/wsprd pattern: a
// thin typed client in front of an HTTP-ish RPC surface.
package transport

import (
	"context"
	"encoding/json"
)

// AcceptedEvent pairs an eventId with the serverSeq the relay assigned it.
type AcceptedEvent struct {
	EventID   string `json:"eventId"`
	ServerSeq int64  `json:"serverSeq"`
}

// PushRequest carries a batch of client-only-field-stripped events.
type PushRequest struct {
	WorkspaceID  string          `json:"workspaceId"`
	UserID       string          `json:"userId"`
	DeviceID     string          `json:"deviceId"`
	ClientCursor int64           `json:"clientCursor"`
	Events       []WireEventJSON `json:"events"`
}

// PushResponse is the relay's reply to a push (§4.5).
type PushResponse struct {
	Accepted          []AcceptedEvent `json:"accepted"`
	Cursor            int64           `json:"cursor"`
	MissingBlobHashes []string        `json:"missingBlobHashes"`
}

// PullRequest asks for every event strictly after Cursor.
type PullRequest struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	DeviceID    string `json:"deviceId"`
	Cursor      int64  `json:"cursor"`
}

// PullResponse returns events ascending by serverSeq, capped at 1000 (§4.5).
type PullResponse struct {
	Events    []WireEventJSON `json:"events"`
	Cursor    int64           `json:"cursor"`
	Conflicts []ConflictRef   `json:"conflicts,omitempty"`
}

// ConflictRef is the advisory conflict record the pull response may carry.
type ConflictRef struct {
	AtomID     string   `json:"atomId"`
	VersionIDs []string `json:"versionIds"`
	Reason     string   `json:"reason"`
}

// WireEventJSON is a raw event wire envelope, left undecoded at this layer;
// syncengine migrates it via event.MigrateEvent.
type WireEventJSON = json.RawMessage

// Transport is the capability surface syncNow drives (§4.5).
type Transport interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
	UploadBlob(ctx context.Context, workspaceID, hash, contentType string, body []byte) error
	DownloadBlob(ctx context.Context, workspaceID, hash string) ([]byte, error)
}
