// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"

	"github.com/driftlog/sync/syncerr"
)

// Disabled is the signed-out transport (§4.5): every call fails with an
// AUTH-class error, so capture/read keep working while sync is off.
type Disabled struct {
	Message string
}

var _ Transport = Disabled{}

func (d Disabled) err() error {
	msg := d.Message
	if msg == "" {
		msg = "sync is disabled: no account signed in"
	}
	return syncerr.New(syncerr.CodeAuth, msg)
}

func (d Disabled) Push(context.Context, PushRequest) (PushResponse, error) {
	return PushResponse{}, d.err()
}

func (d Disabled) Pull(context.Context, PullRequest) (PullResponse, error) {
	return PullResponse{}, d.err()
}

func (d Disabled) UploadBlob(context.Context, string, string, string, []byte) error {
	return d.err()
}

func (d Disabled) DownloadBlob(context.Context, string, string) ([]byte, error) {
	return nil, d.err()
}
