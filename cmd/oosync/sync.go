// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/tunetrees/oosync/internal/config"
	"github.com/tunetrees/oosync/oosqlite"
	"github.com/tunetrees/oosync/synctable"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync a local SQLite database with the server",
	Long: `Push captured local changes and pull everything visible to the token's user.

  oosync sync --database tunes.db --init      # create the default tables, then sync once
  oosync sync --watch                         # keep syncing until interrupted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initTables, _ := cmd.Flags().GetBool("init")
		watch, _ := cmd.Flags().GetBool("watch")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, closeDB, err := openClient(ctx, &cfg.Client, initTables)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := client.Sync(ctx); err != nil && !(watch && errors.Is(err, oosqlite.ErrOffline)) {
			return err
		}
		if watch {
			inv := oosqlite.NewInvalidator(cfg.Client.ServerURL, staticToken(cfg.Client.Token), client)
			go client.ListenInvalidations(ctx, inv)
			client.AutoSync(ctx)
		}
		return printStatus(ctx, cmd, client)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox state of a local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		retry, _ := cmd.Flags().GetBool("retry-failed")
		prune, _ := cmd.Flags().GetDuration("prune")
		ctx := cmd.Context()

		client, closeDB, err := openClient(ctx, &cfg.Client, false)
		if err != nil {
			return err
		}
		defer closeDB()

		if retry {
			n, err := client.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %d failed entries\n", n)
		}
		if prune > 0 {
			n, err := client.PruneSynced(ctx, prune)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d synced entries\n", n)
		}
		if err := printStatus(ctx, cmd, client); err != nil {
			return err
		}
		failed, err := client.FailedEntries(ctx)
		if err != nil {
			return err
		}
		for _, e := range failed {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s %s attempts=%d: %s\n", e.TableName, e.RowID, e.Operation, e.Attempts, e.LastError)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("server", "http://localhost:8080", "sync server base URL")
	syncCmd.Flags().String("token", "", "bearer token (see oosync token)")
	syncCmd.Flags().Bool("init", false, "create the default business tables first")
	syncCmd.Flags().Bool("watch", false, "keep syncing in the background until interrupted")
	_ = v.BindPFlag("client.server_url", syncCmd.Flags().Lookup("server"))
	_ = v.BindPFlag("client.token", syncCmd.Flags().Lookup("token"))

	statusCmd.Flags().Bool("retry-failed", false, "re-queue entries that ran out of attempts")
	statusCmd.Flags().Duration("prune", 0, "delete synced entries older than this")
}

func staticToken(token string) oosqlite.TokenFunc {
	return func(context.Context) (string, error) {
		if token == "" {
			return "", errors.New("client.token is not set")
		}
		return token, nil
	}
}

func openClient(ctx context.Context, c *config.Client, initTables bool) (*oosqlite.Client, func(), error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", c.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", c.Database, err)
	}
	closeDB := func() { _ = db.Close() }
	if initTables {
		if _, err := db.ExecContext(ctx, synctable.DefaultSQLiteDDL); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("failed to create business tables: %w", err)
		}
	}

	clientConfig := oosqlite.DefaultConfig(synctable.Default(), c.SchemaVersion)
	clientConfig.BatchSize = c.BatchSize
	clientConfig.PageSize = c.PageSize
	clientConfig.MaxAttempts = c.MaxAttempts
	clientConfig.RequestTimeout = c.RequestTimeout
	clientConfig.UpInterval = c.UpInterval
	clientConfig.DownInterval = c.DownInterval
	clientConfig.GenreFilter = c.GenreFilter
	clientConfig.Logger = logger

	client, err := oosqlite.NewClient(ctx, db, oosqlite.NewHTTPTransport(c.ServerURL, staticToken(c.Token)), clientConfig)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return client, closeDB, nil
}

func printStatus(ctx context.Context, cmd *cobra.Command, client *oosqlite.Client) error {
	// the command context may already be cancelled after --watch
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	st, err := client.SyncStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "device %s: pending=%d failed=%d last_sync=%s\n", client.DeviceID, st.Pending, st.Failed, st.LastSyncAt)
	if st.LastError != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "last error: %s\n", st.LastError)
	}
	return nil
}
