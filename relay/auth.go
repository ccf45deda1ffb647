// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"net/http"
	"strings"

	"github.com/driftlog/sync/internal/authtoken"
	"github.com/driftlog/sync/syncerr"
)

type claimsKey struct{}

// requireAuth verifies the bearer token on every request (§4.6 step 1).
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, syncerr.New(syncerr.CodeAuth, "missing bearer token"))
			return
		}
		claims, err := authtoken.Verify(token, s.Secret)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (authtoken.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(authtoken.Claims)
	return c, ok
}

// requireWorkspaceMatch enforces §4.6 step 1: "reject if workspaceId/userId
// do not match token claims".
func requireWorkspaceMatch(ctx context.Context, workspaceID, userID string) error {
	claims, ok := claimsFromContext(ctx)
	if !ok {
		return syncerr.New(syncerr.CodeAuth, "missing token claims")
	}
	if claims.WorkspaceID != workspaceID || claims.UserID != userID {
		return syncerr.New(syncerr.CodeAuth, "token does not match workspace/user")
	}
	return nil
}
