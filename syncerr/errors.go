// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncerr defines the error taxonomy shared by every component of
// the sync core, on both the device and the relay. It is the idiomatic
// replacement for the teacher's verror.IDAction pairs: a closed set of
// codes, a retryability bit, and a message, wrapped with a stack via
// github.com/pkg/errors instead of a bespoke verror package.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the closed set of error classes carried on SyncError.
type Code string

const (
	// Protocol / schema errors (§4.1, §7).
	CodeSchemaInvalid     Code = "SCHEMA_INVALID"
	CodeSchemaUnsupported Code = "SCHEMA_UNSUPPORTED"

	// Transport / auth errors (§7).
	CodeAuth         Code = "AUTH"
	CodeNetwork      Code = "NETWORK"
	CodeHashMismatch Code = "HASH_MISMATCH"
	CodeQuota        Code = "QUOTA"
	CodeDiskFull     Code = "DISK_FULL"
	CodeServerError  Code = "SERVER_ERROR"

	// Storage errors (§4.2).
	CodeStorageIO      Code = "STORAGE_IO"
	CodeStorageCorrupt Code = "STORAGE_CORRUPT"
	CodeConflictState  Code = "CONFLICT_STATE"
	CodeNotFound       Code = "NOT_FOUND"

	// Input validation, e.g. empty capture body (§4.4).
	CodeValidation Code = "VALIDATION"
)

// retryableByDefault records whether a code is retryable absent any more
// specific signal (a caller may still override per spec.md §7, e.g. AUTH
// becomes retryable only after re-auth, which is a caller-level decision).
var retryableByDefault = map[Code]bool{
	CodeSchemaInvalid:     false,
	CodeSchemaUnsupported: false,
	CodeAuth:              false,
	CodeNetwork:           true,
	CodeHashMismatch:      false,
	CodeQuota:             false,
	CodeDiskFull:          false,
	CodeServerError:       true,
	CodeStorageIO:         true,
	CodeStorageCorrupt:    false,
	CodeConflictState:     true,
	CodeValidation:        false,
	CodeNotFound:          false,
}

// SyncError is the error type surfaced by every exported operation in this
// module. It carries enough structure to populate both the client's
// DeviceState.lastErrorCode/lastErrorMessage and the relay's HTTP error
// envelope (§6) without re-parsing a string.
type SyncError struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	cause     error
}

func (e *SyncError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error { return e.cause }

// New builds a SyncError with the default retryability for code.
func New(code Code, message string) *SyncError {
	return &SyncError{Code: code, Message: message, Retryable: retryableByDefault[code]}
}

// Wrap builds a SyncError around cause, preserving its message as context.
// It is the equivalent of the teacher's store/util.go WrapError, minus the
// verror.IDAction indirection: the caller names the code explicitly instead
// of trying to infer it from the wrapped error's dynamic type.
func Wrap(code Code, cause error, message string) *SyncError {
	if cause == nil {
		return nil
	}
	return &SyncError{
		Code:      code,
		Message:   message,
		Retryable: retryableByDefault[code],
		cause:     errors.WithStack(cause),
	}
}

// WithDetails attaches structured detail fields (e.g. {"hash": "..."}) and
// returns the same error for chaining.
func (e *SyncError) WithDetails(d map[string]any) *SyncError {
	e.Details = d
	return e
}

// As reports whether err is a *SyncError and, if so, returns it.
func As(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the SyncError code for err, or CodeServerError if err is
// not a SyncError — the same "unclassified defaults to SERVER_ERROR,
// retryable with backoff" rule spec.md §7 states explicitly.
func CodeOf(err error) Code {
	if se, ok := As(err); ok {
		return se.Code
	}
	return CodeServerError
}
