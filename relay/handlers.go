// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/syncerr"
	"github.com/driftlog/sync/transport"
)

const pullLimit = 1000

// handlePush implements the push handler's transactional steps (§4.6).
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req transport.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncerr.New(syncerr.CodeSchemaInvalid, "malformed push request body"))
		return
	}

	// Step 1: verify workspace/user match the token claims.
	if err := requireWorkspaceMatch(ctx, req.WorkspaceID, req.UserID); err != nil {
		writeError(w, err)
		return
	}

	// Step 2: validate every event before touching storage, accumulating
	// every bad one rather than bailing on the first (§4.1).
	parsed := make([]event.Event, 0, len(req.Events))
	var merr *multierror.Error
	for i, raw := range req.Events {
		ev, err := event.MigrateEvent(raw)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		if ev.WorkspaceID != req.WorkspaceID {
			merr = multierror.Append(merr, fmt.Errorf("event %d (%s): workspaceId does not match request", i, ev.EventID))
			continue
		}
		parsed = append(parsed, ev)
	}
	if merr.ErrorOrNil() != nil {
		writeError(w, syncerr.Wrap(syncerr.CodeSchemaInvalid, merr, "push batch contains invalid events"))
		return
	}

	unlock := s.sequencer.Lock(req.WorkspaceID)
	defer unlock()

	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	defer tx.Rollback()

	var accepted []transport.AcceptedEvent
	var missingBlobHashes []string
	nowMs := time.Now().UnixMilli()

	for _, ev := range parsed {
		// Step 3: reuse an existing seq, or allocate the next one.
		seq, exists, err := eventSeqByID(ctx, tx, req.WorkspaceID, ev.EventID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !exists {
			seq, err = allocateSeq(ctx, tx, req.WorkspaceID)
			if err != nil {
				writeError(w, err)
				return
			}
			payload, err := event.MarshalPayload(ev.Payload)
			if err != nil {
				writeError(w, err)
				return
			}
			if err := insertEvent(ctx, tx, req.WorkspaceID, seq, eventRow{
				EventID:              ev.EventID,
				DeviceID:             ev.DeviceID,
				UserID:               req.UserID,
				CreatedAtMs:          ev.CreatedAtMs,
				EventSchemaVersion:   ev.EventSchemaVersion,
				PayloadSchemaVersion: ev.PayloadSchemaVersion,
				Type:                 string(ev.Type),
				PayloadJSON:          payload,
				LocalSeq:             ev.LocalSeq,
			}); err != nil {
				writeError(w, err)
				return
			}
		}
		accepted = append(accepted, transport.AcceptedEvent{EventID: ev.EventID, ServerSeq: seq})

		// Step 4: blob.add referencing unseen bytes goes in missingBlobHashes.
		if blobAdd, ok := ev.Payload.(event.BlobAdd); ok {
			present, err := s.Store.blobExists(ctx, req.WorkspaceID, blobAdd.Hash)
			if err != nil {
				writeError(w, err)
				return
			}
			if !present {
				missingBlobHashes = append(missingBlobHashes, blobAdd.Hash)
			}
		}
	}

	// Step 5: advance the device cursor.
	if err := upsertDeviceCursor(ctx, tx, req.WorkspaceID, req.DeviceID, req.ClientCursor, nowMs); err != nil {
		writeError(w, err)
		return
	}

	cursor, err := maxSeq(ctx, tx, req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, syncerr.Wrap(syncerr.CodeStorageIO, err, "commit push transaction"))
		return
	}

	// Step 6: respond.
	writeJSON(w, http.StatusOK, transport.PushResponse{
		Accepted:          accepted,
		Cursor:            cursor,
		MissingBlobHashes: missingBlobHashes,
	})
}

// handlePull implements the pull handler (§4.6): events strictly after
// cursor, ascending by seq, capped at pullLimit.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := claimsFromContext(ctx)
	if !ok {
		writeError(w, syncerr.New(syncerr.CodeAuth, "missing token claims"))
		return
	}
	workspaceID := claims.WorkspaceID

	cursor, err := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	if err != nil {
		cursor = 0
	}

	rows, err := s.Store.listEventsAfter(ctx, workspaceID, cursor, pullLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := transport.PullResponse{Cursor: cursor}
	for _, row := range rows {
		seq := row.Seq
		wire, err := event.ToWire(event.Event{
			EventID:              row.EventID,
			EventSchemaVersion:   row.EventSchemaVersion,
			PayloadSchemaVersion: row.PayloadSchemaVersion,
			Type:                 event.Type(row.Type),
			CreatedAtMs:          row.CreatedAtMs,
			DeviceID:             row.DeviceID,
			WorkspaceID:          workspaceID,
			LocalSeq:             row.LocalSeq,
			ServerSeq:            &seq,
			Payload:              payloadFromRow(row),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Events = append(resp.Events, wire)
		if seq > resp.Cursor {
			resp.Cursor = seq
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func payloadFromRow(row eventRow) event.Payload {
	raw := row.PayloadJSON
	switch event.Type(row.Type) {
	case event.TypeCaptureText:
		var p event.CaptureText
		_ = json.Unmarshal(raw, &p)
		return p
	case event.TypeAtomUpdate:
		var p event.AtomUpdate
		_ = json.Unmarshal(raw, &p)
		return p
	case event.TypeBlobAdd:
		var p event.BlobAdd
		_ = json.Unmarshal(raw, &p)
		return p
	case event.TypeChangesetSuggest:
		var p event.ChangesetSuggest
		_ = json.Unmarshal(raw, &p)
		return p
	default:
		return nil
	}
}

// handleBlobUpload streams the body to the content-addressed blob store
// (§4.6).
func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := claimsFromContext(ctx)
	hash := r.URL.Query().Get("hash")
	contentType := r.URL.Query().Get("contentType")

	computed, size, err := s.Blobs.Write(claims.WorkspaceID, hash, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	path := s.Blobs.PathFor(claims.WorkspaceID, computed)
	if err := s.Store.saveBlobMeta(ctx, claims.WorkspaceID, computed, size, contentType, path, time.Now().UnixMilli()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": computed, "size": size, "contentType": contentType})
}

// handleBlobDownload serves blob bytes, supporting byte-range requests via
// http.ServeContent (§6: "206 Partial Content").
func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := claimsFromContext(ctx)
	hash := chi.URLParam(r, "hash")

	_, ok, err := s.Store.blobPath(ctx, claims.WorkspaceID, hash)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, syncerr.New(syncerr.CodeNotFound, "blob not found"))
		return
	}

	f, err := s.Blobs.Open(claims.WorkspaceID, hash)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, syncerr.Wrap(syncerr.CodeStorageIO, err, "stat blob"))
		return
	}
	http.ServeContent(w, r, hash, info.ModTime(), f)
}
