// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package relay is the server side of the sync protocol (C6, §4.6): a
// chi-routed HTTP surface in front of a durable per-workspace sequencer and
// a content-addressed blob directory. It is the server-side mirror of the
// teacher's per-database dispatcher (server/nosql/dispatcher.go,
// server/dispatcher.go), routing requests into per-workspace sequencing
// instead of per-database RPC methods.
package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server holds the relay's dependencies: the durable relay store and the
// blob directory, guarded per workspace by Sequencer.
type Server struct {
	Store     *Store
	Blobs     *BlobStore
	Secret    []byte
	Logger    zerolog.Logger
	sequencer *Sequencer
}

// New builds a Server and its router.
func New(store *Store, blobs *BlobStore, secret []byte, logger zerolog.Logger) *Server {
	return &Server{
		Store:     store,
		Blobs:     blobs,
		Secret:    secret,
		Logger:    logger,
		sequencer: NewSequencer(),
	}
}

// Router builds the chi mux for this server (§6: the exact endpoint set,
// minus /auth/dev — issuing tokens is an external collaborator's job per
// spec.md §1; see DESIGN.md).
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/sync/push", s.handlePush)
		r.Get("/sync/pull", s.handlePull)
		r.Post("/blobs/upload", s.handleBlobUpload)
		r.Get("/blobs/{hash}", s.handleBlobDownload)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}
