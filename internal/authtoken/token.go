// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package authtoken verifies dev-auth bearer tokens (§6). Issuing tokens is
// an external collaborator's job (spec.md §1: "the dev-auth HMAC token
// issuer" is explicitly out of scope); the relay's request path uses only
// the constant-time verification half, mirroring the teacher's split
// between blessing issuance (identityd) and blessing verification
// (server/dispatcher.go's authorizer). Issue also exists here; this
// repository calls it only from tests.
package authtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/driftlog/sync/syncerr"
)

// Claims is the decoded payload of a dev-auth token.
type Claims struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	ExpiresAtMs int64  `json:"exp"`
}

const defaultExpiry = 8 * time.Hour

var encoding = base64.RawURLEncoding

// Verify checks a token's signature and expiry against secret and returns
// its claims. Signature comparison uses hmac.Equal, constant-time (§6).
func Verify(token string, secret []byte) (Claims, error) {
	payloadB64, sigB64, ok := splitToken(token)
	if !ok {
		return Claims{}, syncerr.New(syncerr.CodeAuth, "malformed token")
	}

	payload, err := encoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, syncerr.New(syncerr.CodeAuth, "malformed token payload")
	}
	sig, err := encoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, syncerr.New(syncerr.CodeAuth, "malformed token signature")
	}

	expected := sign(payload, secret)
	if !hmac.Equal(sig, expected) {
		return Claims{}, syncerr.New(syncerr.CodeAuth, "invalid token signature")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, syncerr.New(syncerr.CodeAuth, "malformed token claims")
	}
	if claims.ExpiresAtMs != 0 && time.Now().UnixMilli() > claims.ExpiresAtMs {
		return Claims{}, syncerr.New(syncerr.CodeAuth, "token expired")
	}
	return claims, nil
}

// Issue builds a token for claims, signed with secret, with a default 8h
// expiry if ExpiresAtMs is unset. Used only by tests in this repo — the
// real issuer lives outside this module.
func Issue(claims Claims, secret []byte) (string, error) {
	if claims.ExpiresAtMs == 0 {
		claims.ExpiresAtMs = time.Now().Add(defaultExpiry).UnixMilli()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig := sign(payload, secret)
	return encoding.EncodeToString(payload) + "." + encoding.EncodeToString(sig), nil
}

func sign(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func splitToken(token string) (payload, sig string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
