// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"encoding/json"
	"net/http"

	"github.com/driftlog/sync/syncerr"
)

// errorResponse is the wire error envelope (§6).
type errorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// statusFor maps a syncerr.Code to the HTTP status §6 specifies: "4xx
// non-retryable, 5xx retryable".
func statusFor(code syncerr.Code) int {
	switch code {
	case syncerr.CodeAuth:
		return http.StatusUnauthorized
	case syncerr.CodeSchemaInvalid, syncerr.CodeSchemaUnsupported, syncerr.CodeValidation:
		return http.StatusBadRequest
	case syncerr.CodeHashMismatch:
		return http.StatusBadRequest
	case syncerr.CodeNotFound:
		return http.StatusNotFound
	case syncerr.CodeQuota:
		return http.StatusForbidden
	case syncerr.CodeDiskFull, syncerr.CodeServerError, syncerr.CodeStorageIO, syncerr.CodeStorageCorrupt:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	se, ok := syncerr.As(err)
	if !ok {
		se = syncerr.New(syncerr.CodeServerError, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(se.Code))
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:      string(se.Code),
		Message:   se.Message,
		Retryable: se.Retryable,
		Details:   se.Details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
