// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// driftctl is the local device CLI over the sync core (§4.4): capture
// notes, list the inbox, drive syncNow, check sync status, and export or
// import a workspace bundle. It plays the role the teacher's sb command
// played for Syncbase: a thin cobra front end over a local store and a
// transport, using viper for the device/workspace/relay configuration that
// would otherwise have to be repeated on every invocation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftlog/sync/bundle"
	"github.com/driftlog/sync/event"
	"github.com/driftlog/sync/storage/sqlitestore"
	"github.com/driftlog/sync/syncengine"
	"github.com/driftlog/sync/transport"
	"github.com/driftlog/sync/transport/httptransport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "driftctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "driftctl",
		Short:         "Local-first note capture and sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("db-path", "driftctl.db", "path to the local sqlite store")
	flags.String("workspace-id", "", "workspace id")
	flags.String("user-id", "", "signed-in user id")
	flags.String("device-id", "", "this device's id")
	flags.String("relay-url", "", "relay base URL; leave empty to run offline")
	flags.String("token", "", "bearer token for the relay")
	flags.String("blob-dir", "driftctl-blobs", "directory for attachment bytes")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("DRIFTCTL")
	v.AutomaticEnv()

	root.AddCommand(
		newCaptureCmd(v),
		newInboxCmd(v),
		newSyncCmd(v),
		newStatusCmd(v),
		newExportCmd(v),
		newImportCmd(v),
	)
	return root
}

func openEngine(v *viper.Viper) (*syncengine.Engine, *sqlitestore.Store, error) {
	workspaceID := v.GetString("workspace-id")
	deviceID := v.GetString("device-id")
	if workspaceID == "" || deviceID == "" {
		return nil, nil, fmt.Errorf("--workspace-id and --device-id are required")
	}

	store, err := sqlitestore.Open(v.GetString("db-path"))
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}

	var tr transport.Transport
	if relayURL := v.GetString("relay-url"); relayURL != "" {
		tr = httptransport.New(relayURL, v.GetString("token"))
	} else {
		tr = transport.Disabled{}
	}

	return &syncengine.Engine{
		Store:       store,
		Transport:   tr,
		WorkspaceID: workspaceID,
		UserID:      v.GetString("user-id"),
		DeviceID:    deviceID,
	}, store, nil
}

func newCaptureCmd(v *viper.Viper) *cobra.Command {
	var atomID, title string
	cmd := &cobra.Command{
		Use:   "capture [body]",
		Short: "Capture a new text note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := openEngine(v)
			if err != nil {
				return err
			}
			defer store.Close()

			id := atomID
			if id == "" {
				id = event.NewID()
			}
			stored, err := engine.CaptureText(cmd.Context(), id, title, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), stored.EventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&atomID, "atom-id", "", "atom id to create; a fresh id is generated if empty")
	cmd.Flags().StringVar(&title, "title", "", "note title")
	return cmd
}

func newInboxCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "List notes in the inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := openEngine(v)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := engine.GetInbox(cmd.Context())
			if err != nil {
				return err
			}
			for _, item := range items {
				resolution := ""
				if item.NeedsResolution {
					resolution = " [needs resolution]"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s%s\n", item.AtomID, item.SyncStatus, item.Title, resolution)
			}
			return nil
		},
	}
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := openEngine(v)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := engine.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd, summary)
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := openEngine(v)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := engine.GetSyncStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd, summary)
		},
	}
}

func printStatus(cmd *cobra.Command, summary syncengine.SyncStatusSummary) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pendingEvents: %d\n", summary.PendingEvents)
	fmt.Fprintf(out, "pendingBlobs: %d\n", summary.PendingBlobs)
	fmt.Fprintf(out, "lastPulledSeq: %d\n", summary.LastPulledSeq)
	fmt.Fprintf(out, "lastAppliedSeq: %d\n", summary.LastAppliedSeq)
	if summary.LastError != nil {
		fmt.Fprintf(out, "lastError: %s: %s\n", summary.LastError.Code, summary.LastError.Message)
	}
	return nil
}

func newExportCmd(v *viper.Viper) *cobra.Command {
	var out string
	var allowMissing bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the workspace to a bundle zip",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID := v.GetString("workspace-id")
			if workspaceID == "" {
				return fmt.Errorf("--workspace-id is required")
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			store, err := sqlitestore.Open(v.GetString("db-path"))
			if err != nil {
				return fmt.Errorf("open local store: %w", err)
			}
			defer store.Close()

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			manifest, err := bundle.Export(cmd.Context(), store, workspaceID, f, bundle.ExportOptions{
				AllowMissingBlobs: allowMissing,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d events, %d atoms, %d blobs to %s\n",
				manifest.Counts.Events, manifest.Counts.Atoms, manifest.Counts.Blobs, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output bundle path")
	cmd.Flags().BoolVar(&allowMissing, "allow-missing-blobs", false, "export even if some referenced blobs are absent locally")
	return cmd
}

func newImportCmd(v *viper.Viper) *cobra.Command {
	var in, mode string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a workspace bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := v.GetString("device-id")
			if deviceID == "" {
				return fmt.Errorf("--device-id is required")
			}
			if in == "" {
				return fmt.Errorf("--in is required")
			}

			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			store, err := sqlitestore.Open(v.GetString("db-path"))
			if err != nil {
				return fmt.Errorf("open local store: %w", err)
			}
			defer store.Close()

			result, err := bundle.Import(cmd.Context(), store, f, info.Size(), bundle.ImportOptions{
				Mode:     bundle.Mode(mode),
				DeviceID: deviceID,
				BlobDir:  v.GetString("blob-dir"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported workspace %s\n", result.WorkspaceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "bundle zip path")
	cmd.Flags().StringVar(&mode, "mode", string(bundle.ModeRestore), "import mode: restore or clone")
	return cmd
}
