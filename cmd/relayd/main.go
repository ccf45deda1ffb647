// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// relayd is the sync relay daemon: it serves the push/pull/blob HTTP
// surface (§4.6) over a durable sqlite-backed store and a content-addressed
// blob directory. Its boot sequence (load config, build the service, serve,
// wait for a shutdown signal) mirrors the teacher's syncbased
// (services/syncbase/syncbased/main.go), generalized from veyron flags and
// xrpc.NewDispatchingServer to cobra/viper flags and net/http.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftlog/sync/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "Serves the sync relay HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", ":8080", "address to listen on")
	flags.String("db-path", "relay.db", "path to the relay's sqlite database")
	flags.String("blob-dir", "relay-blobs", "directory for uploaded blob bytes")
	flags.String("auth-secret", "", "HMAC secret for verifying dev-auth bearer tokens")
	flags.String("log-level", "info", "zerolog level: debug, info, warn, error")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("RELAYD")
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper) error {
	level, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("parse log-level: %w", err)
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()

	secret := v.GetString("auth-secret")
	if secret == "" {
		return errors.New("auth-secret is required")
	}

	store, err := relay.OpenStore(v.GetString("db-path"))
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer store.Close()

	blobs, err := relay.NewBlobStore(v.GetString("blob-dir"))
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	srv := relay.New(store, blobs, []byte(secret), logger)
	httpServer := &http.Server{
		Addr:    v.GetString("listen-addr"),
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("relayd listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
