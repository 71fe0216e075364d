// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command oosync runs the sync server and drives a local SQLite replica against it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunetrees/oosync/internal/config"
	"github.com/tunetrees/oosync/internal/logging"
)

var (
	cfgFile  string
	v        = config.NewViper()
	cfg      *config.Config
	logger   *slog.Logger
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "oosync",
	Short: "Offline-first sync between a PostgreSQL server and SQLite replicas",
	Long: `oosync keeps local SQLite databases in step with a PostgreSQL store.

Settings come from an optional YAML file (--config), OOSYNC_* environment variables
and a .env file in the working directory. For example OOSYNC_SERVER_DATABASE_URL
sets server.database_url.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		var err error
		if cfg, err = config.Load(v, cfgFile); err != nil {
			return err
		}
		var closer func() error
		logger, closer, err = logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		closeLog = closer
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "json", "json or text")
	rootCmd.PersistentFlags().String("database", "oosync.db", "local SQLite database (sync, status)")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("client.database", rootCmd.PersistentFlags().Lookup("database"))

	rootCmd.AddCommand(serveCmd, syncCmd, statusCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
