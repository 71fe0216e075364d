// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tunetrees/oosync/internal/config"
	"github.com/tunetrees/oosync/oosync"
	"github.com/tunetrees/oosync/synctable"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the HTTP sync server:

  POST /api/sync                 push and pull (JWT)
  GET  /api/sync/realtime        websocket invalidations (JWT, when realtime is on)
  GET  /api/sync/schema-version
  GET  /health
  POST /dev/token                only with server.dev_tokens

With --init-tables the default business tables are created in server.schema first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := cfg.Server
		if err := s.Validate(); err != nil {
			return err
		}
		initTables, _ := cmd.Flags().GetBool("init-tables")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, &s, initTables, logger)
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "listen address")
	serveCmd.Flags().Bool("dev-tokens", false, "enable POST /dev/token")
	serveCmd.Flags().Bool("init-tables", false, "create the default business tables on start")
	_ = v.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("server.dev_tokens", serveCmd.Flags().Lookup("dev-tokens"))
}

func runServer(ctx context.Context, s *config.Server, initTables bool, logger *slog.Logger) error {
	poolConfig, err := pgxpool.ParseConfig(s.DatabaseURL)
	if err != nil {
		return fmt.Errorf("invalid database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	if initTables {
		if _, err := pool.Exec(ctx, synctable.DefaultPostgresDDL(s.Schema)); err != nil {
			return fmt.Errorf("failed to create business tables: %w", err)
		}
		logger.Info("Business tables ready", "schema", s.Schema)
	}

	svc, err := oosync.NewSyncService(pool, &oosync.ServiceConfig{
		Schema:                    s.Schema,
		MaxSupportedSchemaVersion: s.SchemaVersion,
		MaxUploadBatchSize:        s.MaxBatchSize,
		MaxPayloadBytes:           s.MaxPayloadBytes,
		DefaultPageSize:           s.DefaultPageSize,
		MaxPageSize:               s.MaxPageSize,
		CommitLag:                 s.CommitLag,
		DisableNotify:             !s.Realtime,
		Debug:                     s.Debug,
		LogStageTimings:           s.Debug,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	auth := oosync.NewJWTAuth(s.JWTSecret)
	var hub *oosync.Hub
	if s.Realtime {
		hub = oosync.NewHub(pool, auth, logger)
	}
	if s.DevTokens {
		logger.Warn("Development tokens are enabled")
	}

	// no read or write timeouts: they would also apply to hijacked websocket connections
	srv := &http.Server{
		Addr: s.Listen,
		Handler: oosync.NewRouter(oosync.RouterConfig{
			Handlers:       oosync.NewHTTPSyncHandlers(svc, auth, logger),
			Auth:           auth,
			Hub:            hub,
			RateLimitRPS:   s.RateLimitRPS,
			RateLimitBurst: s.RateLimitBurst,
			DevTokens:      s.DevTokens,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting sync server", "addr", s.Listen, "schema", s.Schema, "realtime", s.Realtime)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if hub != nil {
		g.Go(func() error {
			if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("realtime hub stopped: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}
