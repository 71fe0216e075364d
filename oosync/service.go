// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tunetrees/oosync/synctable"
)

var (
	ErrServiceClosed            = errors.New("sync service has been closed")
	ErrUnsupportedSchemaVersion = errors.New("unsupported_schema_version")
)

// SyncService applies pushed changes to the canonical PostgreSQL store and serves
// visibility-scoped pull pages.
type SyncService struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	config      *ServiceConfig
	registry    *synctable.Registry
	collections []CollectionSource
	columns     columnCatalog

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName                   string // Application name for connection tracking
	Schema                    string // Schema holding the business tables (default "public")
	MaxSupportedSchemaVersion int    // Highest client schema version accepted

	Registry    *synctable.Registry // Synchronizable tables (default synctable.Default())
	Collections []CollectionSource  // Collection sources (default DefaultCollections())

	MaxUploadBatchSize int // Maximum number of changes allowed in a single push (0 = unlimited)
	MaxPayloadBytes    int // Maximum JSON payload size per change in bytes (0 = unlimited)
	DefaultPageSize    int
	MaxPageSize        int

	// CommitLag keeps a pull window's upper bound this far behind the clock, so that pushes
	// still committing when the walk starts are picked up by the next walk.
	CommitLag time.Duration

	DisableNotify   bool // Skip pg_notify after pushes
	Debug           bool // Attach diagnostic lines to responses
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool

	Now func() time.Time
}

func (c *ServiceConfig) withDefaults() *ServiceConfig {
	out := *c
	if out.AppName == "" {
		out.AppName = "oosync"
	}
	if out.Schema == "" {
		out.Schema = "public"
	}
	if out.MaxSupportedSchemaVersion == 0 {
		out.MaxSupportedSchemaVersion = 1
	}
	if out.Registry == nil {
		out.Registry = synctable.Default()
	}
	if out.Collections == nil {
		out.Collections = DefaultCollections()
	}
	if out.DefaultPageSize <= 0 {
		out.DefaultPageSize = DefaultPageSize
	}
	if out.MaxPageSize <= 0 {
		out.MaxPageSize = MaxPageSize
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// NewSyncService creates the service from an existing pool, creating the sync bookkeeping
// schema and checking every registered table against the database catalog.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	service, err := newService(config, logger)
	if err != nil {
		return nil, err
	}
	service.pool = pool

	ctx := context.Background()
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	cols, err := service.loadColumnCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load column catalog: %w", err)
	}
	service.columns = cols

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.installChangeTracking(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	return service, nil
}

// newService builds a service without touching the database.
func newService(config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	cfg := config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if !isValidSchemaName(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}

	sources := map[string]bool{}
	for _, src := range cfg.Collections {
		for _, name := range []string{src.Table, src.ValueColumn, src.OwnerColumn} {
			if !isValidColumnName(name) {
				return nil, fmt.Errorf("collection %s: invalid identifier %q", src.Name, name)
			}
		}
		sources[src.Name] = true
	}
	for _, t := range cfg.Registry.Tables() {
		for _, name := range t.Visibility.Collections() {
			if !sources[name] {
				return nil, fmt.Errorf("table %s: collection %q has no source", t.Name, name)
			}
		}
	}

	return &SyncService{
		logger:      logger,
		config:      cfg,
		registry:    cfg.Registry,
		collections: cfg.Collections,
	}, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// Registry returns the table registry the service was built with.
func (s *SyncService) Registry() *synctable.Registry {
	return s.registry
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func (s *SyncService) now() time.Time {
	return s.config.Now().UTC()
}

// ProcessSync handles one sync request: push first (one transaction, per-change isolation),
// then one pull page when requested.
func (s *SyncService) ProcessSync(ctx context.Context, userID, deviceID string, req *SyncRequest) (*SyncResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.SchemaVersion > s.config.MaxSupportedSchemaVersion {
		return nil, fmt.Errorf("%w: client %d > server %d", ErrUnsupportedSchemaVersion, req.SchemaVersion, s.config.MaxSupportedSchemaVersion)
	}

	now := s.now()
	resp := &SyncResponse{
		Changes:  []RemoteRow{},
		SyncedAt: synctable.FormatTimestamp(now),
	}

	if len(req.Changes) > 0 {
		// Whole batch is rejected so the client keeps every entry pending.
		if s.config.MaxUploadBatchSize > 0 && len(req.Changes) > s.config.MaxUploadBatchSize {
			msg := fmt.Errorf("batch too large: changes=%d limit=%d", len(req.Changes), s.config.MaxUploadBatchSize)
			resp.Results = make([]ChangeResult, len(req.Changes))
			for i := range req.Changes {
				resp.Results[i] = statusInvalid(&req.Changes[i], ReasonBatchTooLarge, msg)
			}
			return resp, nil
		}

		results, err := s.processPush(ctx, userID, deviceID, req.Changes, now)
		if err != nil {
			return nil, err
		}
		resp.Results = results
	}

	if req.Pull || len(req.Changes) == 0 {
		page, err := s.processPull(ctx, userID, req)
		if err != nil {
			return nil, err
		}
		resp.Changes = page.rows
		resp.Cursor = page.cursor
		resp.NextCursor = page.next
		if s.config.Debug {
			resp.Debug = page.debug
		}
	}
	return resp, nil
}

// GetSchemaVersion returns the current schema version
func (s *SyncService) GetSchemaVersion() int {
	return s.config.MaxSupportedSchemaVersion
}
