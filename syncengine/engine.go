// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncengine is the sync core's public operation surface (§4.4):
// captureText, appendLocalEvent, getInbox, getSyncStatus, rebuildProjection,
// and the syncNow state machine. It plays the role the teacher's sync
// initiator loop played for Syncbase — push local changes, pull remote
// changes, rebuild, persist the cursor — generalized from a DAG/watcher
// pipeline to this spec's flatter event-log protocol.
package syncengine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/projection"
	"github.com/driftlog/sync/storage"
	"github.com/driftlog/sync/syncerr"
	"github.com/driftlog/sync/transport"
)

// ErrorInfo is the single lastError surface on SyncStatusSummary (§4.4, §7).
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SyncStatusSummary is getSyncStatus's return shape (§4.4).
type SyncStatusSummary struct {
	LastSuccessAtMs int64      `json:"lastSuccessAtMs,omitempty"`
	PendingEvents   int        `json:"pendingEvents"`
	PendingBlobs    int        `json:"pendingBlobs"`
	LastError       *ErrorInfo `json:"lastError,omitempty"`
	LastPulledSeq   int64      `json:"lastPulledSeq"`
	LastAppliedSeq  int64      `json:"lastAppliedSeq"`
}

// Engine is one device's sync engine instance for one workspace (§5: "a
// single logical sync engine instance per device per workspace").
type Engine struct {
	Store       storage.Store
	Transport   transport.Transport
	WorkspaceID string
	UserID      string
	DeviceID    string

	// Now is overridable so tests can control createdAtMs/lastSuccessAtMs
	// without depending on wall-clock time.
	Now func() time.Time

	sf singleflight.Group
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CaptureText appends a capture.text.create event (§4.4). Body must be
// non-empty after trimming whitespace.
func (e *Engine) CaptureText(ctx context.Context, atomID, title, body string) (event.StoredEvent, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return event.StoredEvent{}, syncerr.New(syncerr.CodeValidation, "capture body must be non-empty")
	}
	return e.AppendLocalEvent(ctx, event.Draft{
		Type:        event.TypeCaptureText,
		CreatedAtMs: e.now().UnixMilli(),
		Payload:     event.CaptureText{AtomID: atomID, Title: title, Body: body},
	})
}

// AppendLocalEvent allocates a localSeq, stores the event as saved_local,
// and rebuilds the projection (§4.4).
func (e *Engine) AppendLocalEvent(ctx context.Context, draft event.Draft) (event.StoredEvent, error) {
	localSeq, err := e.Store.AllocateLocalSeq(ctx, e.WorkspaceID, e.DeviceID)
	if err != nil {
		return event.StoredEvent{}, err
	}
	ev := event.CreateEvent(draft, e.DeviceID, e.WorkspaceID, localSeq)
	stored := event.StoredEvent{Event: ev, SyncStatus: event.StatusSavedLocal}

	if err := e.Store.UpsertEvents(ctx, e.WorkspaceID, []event.StoredEvent{stored}); err != nil {
		return event.StoredEvent{}, err
	}
	if _, err := e.RebuildProjection(ctx); err != nil {
		return event.StoredEvent{}, err
	}
	return stored, nil
}

// GetInbox returns the projection inbox, rebuilding first if no projection
// has been saved yet (§4.4).
func (e *Engine) GetInbox(ctx context.Context) ([]projection.InboxItem, error) {
	snap, err := e.Store.GetProjection(ctx, e.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap, err = e.RebuildProjection(ctx)
		if err != nil {
			return nil, err
		}
	}
	return snap.Inbox, nil
}

// GetSyncStatus reports the device's sync state (§4.4).
func (e *Engine) GetSyncStatus(ctx context.Context) (SyncStatusSummary, error) {
	ds, err := e.Store.GetDeviceState(ctx, e.WorkspaceID, e.DeviceID)
	if err != nil {
		return SyncStatusSummary{}, err
	}
	pending, err := e.Store.ListPendingEvents(ctx, e.WorkspaceID, 0)
	if err != nil {
		return SyncStatusSummary{}, err
	}
	blobs, err := e.Store.ListBlobManifest(ctx, e.WorkspaceID)
	if err != nil {
		return SyncStatusSummary{}, err
	}
	pendingBlobs := 0
	for _, b := range blobs {
		if !b.IsPresent || b.SyncStatus != event.StatusSynced {
			pendingBlobs++
		}
	}

	summary := SyncStatusSummary{
		LastSuccessAtMs: ds.LastSyncSuccessAtMs,
		PendingEvents:   len(pending),
		PendingBlobs:    pendingBlobs,
		LastPulledSeq:   ds.LastPulledSeq,
		LastAppliedSeq:  ds.LastAppliedSeq,
	}
	if ds.LastErrorCode != "" {
		summary.LastError = &ErrorInfo{Code: ds.LastErrorCode, Message: ds.LastErrorMessage}
	}
	return summary, nil
}

// RebuildProjection forces a re-fold from the log (§4.4).
func (e *Engine) RebuildProjection(ctx context.Context) (*projection.Snapshot, error) {
	events, err := e.Store.ListEvents(ctx, e.WorkspaceID)
	if err != nil {
		return nil, err
	}
	snap := projection.Fold(events)

	var maxServerSeq int64
	for _, ev := range events {
		if ev.ServerSeq != nil && *ev.ServerSeq > maxServerSeq {
			maxServerSeq = *ev.ServerSeq
		}
	}
	snap.LastAppliedSeq = maxServerSeq

	if err := e.Store.SaveProjection(ctx, e.WorkspaceID, snap); err != nil {
		return nil, err
	}

	ds, err := e.Store.GetDeviceState(ctx, e.WorkspaceID, e.DeviceID)
	if err != nil {
		return nil, err
	}
	ds.LastAppliedSeq = maxServerSeq
	ds.ProjectionDirty = false
	if err := e.Store.SaveDeviceState(ctx, ds); err != nil {
		return nil, err
	}
	return snap, nil
}

// SyncNow runs the push/pull/rebuild protocol (§4.4). Concurrent callers on
// the same device are coalesced into a single in-flight run via
// singleflight, the idiomatic Go realization of §5's "not re-entrant...
// either coalescing or queuing" requirement.
func (e *Engine) SyncNow(ctx context.Context) (SyncStatusSummary, error) {
	v, err, _ := e.sf.Do(e.DeviceID, func() (any, error) {
		return e.syncNowLocked(ctx)
	})
	if err != nil {
		return SyncStatusSummary{}, err
	}
	return v.(SyncStatusSummary), nil
}

func (e *Engine) syncNowLocked(ctx context.Context) (SyncStatusSummary, error) {
	if err := e.runSyncProtocol(ctx); err != nil {
		e.recordFailure(ctx, err)
		return SyncStatusSummary{}, err
	}
	return e.GetSyncStatus(ctx)
}

func (e *Engine) runSyncProtocol(ctx context.Context) error {
	ds, err := e.Store.GetDeviceState(ctx, e.WorkspaceID, e.DeviceID)
	if err != nil {
		return err
	}

	// Step 1: snapshot state.
	pullCursor := ds.LastPulledSeq
	var cursorAfterPush int64
	projectionDirty := false

	// Step 2: fetch pending events, mark syncing.
	pending, err := e.Store.ListPendingEvents(ctx, e.WorkspaceID, 0)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if err := e.Store.UpdateEventStatus(ctx, e.WorkspaceID, p.EventID, event.StatusSyncing, "", ""); err != nil {
			return err
		}
	}

	// Step 3: push, if there is anything pending.
	if len(pending) > 0 {
		wireEvents := make([]json.RawMessage, len(pending))
		for i, p := range pending {
			raw, err := event.ToWire(p.Event)
			if err != nil {
				return err
			}
			wireEvents[i] = raw
		}

		resp, err := withRetry(ctx, func() (transport.PushResponse, error) {
			return e.Transport.Push(ctx, transport.PushRequest{
				WorkspaceID:  e.WorkspaceID,
				UserID:       e.UserID,
				DeviceID:     e.DeviceID,
				ClientCursor: pullCursor,
				Events:       wireEvents,
			})
		})
		if err != nil {
			return err
		}

		mappings := make(map[string]int64, len(resp.Accepted))
		for _, a := range resp.Accepted {
			mappings[a.EventID] = a.ServerSeq
		}
		changed, err := e.Store.AssignServerSeq(ctx, e.WorkspaceID, mappings)
		if err != nil {
			return err
		}
		if changed {
			projectionDirty = true
		}
		if resp.Cursor > cursorAfterPush {
			cursorAfterPush = resp.Cursor
		}
	}

	// Step 4: pull.
	pullResp, err := withRetry(ctx, func() (transport.PullResponse, error) {
		return e.Transport.Pull(ctx, transport.PullRequest{
			WorkspaceID: e.WorkspaceID,
			UserID:      e.UserID,
			DeviceID:    e.DeviceID,
			Cursor:      pullCursor,
		})
	})
	if err != nil {
		return err
	}

	if len(pullResp.Events) > 0 {
		pulled := make([]event.StoredEvent, 0, len(pullResp.Events))
		mappings := make(map[string]int64)
		for _, raw := range pullResp.Events {
			ev, err := event.MigrateEvent(raw)
			if err != nil {
				return err
			}
			pulled = append(pulled, event.StoredEvent{Event: ev, SyncStatus: event.StatusSynced})
			if ev.ServerSeq != nil {
				mappings[ev.EventID] = *ev.ServerSeq
			}
		}
		if err := e.Store.UpsertEvents(ctx, e.WorkspaceID, pulled); err != nil {
			return err
		}
		// Pulled events already carry their serverSeq, so the upsert itself
		// changes the log; AssignServerSeq below then finds nothing to update.
		projectionDirty = true
		changed, err := e.Store.AssignServerSeq(ctx, e.WorkspaceID, mappings)
		if err != nil {
			return err
		}
		if changed {
			projectionDirty = true
		}
	}

	// Step 5: advance lastPulledSeq.
	newPulled := maxInt64(ds.LastPulledSeq, cursorAfterPush, pullResp.Cursor)

	// Step 6: rebuild if dirty, reread device state, reapply the ceiling.
	if projectionDirty {
		if _, err := e.RebuildProjection(ctx); err != nil {
			return err
		}
	}
	ds, err = e.Store.GetDeviceState(ctx, e.WorkspaceID, e.DeviceID)
	if err != nil {
		return err
	}
	if newPulled > ds.LastPulledSeq {
		ds.LastPulledSeq = newPulled
	}

	// Step 7: stamp success.
	ds.LastSyncSuccessAtMs = e.now().UnixMilli()
	ds.LastErrorCode = ""
	ds.LastErrorMessage = ""
	if err := e.Store.SaveDeviceState(ctx, ds); err != nil {
		return err
	}
	return e.Store.SaveSyncAttempt(ctx, e.WorkspaceID, storage.SyncAttempt{
		AtMs:      e.now().UnixMilli(),
		Succeeded: true,
	})
}

func (e *Engine) recordFailure(ctx context.Context, syncErr error) {
	code := string(syncerr.CodeOf(syncErr))
	ds, err := e.Store.GetDeviceState(ctx, e.WorkspaceID, e.DeviceID)
	if err != nil {
		return
	}
	ds.LastErrorCode = code
	ds.LastErrorMessage = syncErr.Error()
	_ = e.Store.SaveDeviceState(ctx, ds)
	_ = e.Store.SaveSyncAttempt(ctx, e.WorkspaceID, storage.SyncAttempt{
		AtMs:      e.now().UnixMilli(),
		Succeeded: false,
		ErrorCode: code,
		Message:   syncErr.Error(),
	})
}

func maxInt64(values ...int64) int64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// withRetry retries a transport call with exponential backoff when its
// failure classifies as NETWORK or SERVER_ERROR (§4.4 domain stack, §7).
// Any other classification returns immediately.
func withRetry[T any](ctx context.Context, call func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	bo.InitialInterval = 100 * time.Millisecond

	var result T
	operation := func() error {
		r, err := call()
		if err != nil {
			result = r
			code := syncerr.CodeOf(err)
			if code == syncerr.CodeNetwork || code == syncerr.CodeServerError {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return result, err
}
