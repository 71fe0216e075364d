// Package oosqlite is the SQLite client of oosync: capture triggers feed a local outbox, and
// the sync engine pushes collapsed changes and applies pulled pages without re-capturing them.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tunetrees/oosync/synctable"
	"golang.org/x/sync/semaphore"
)

// Client owns one local database and drives its sync cycles.
type Client struct {
	DB        *sql.DB
	DeviceID  string
	Transport Transport
	// RefreshToken is called once when the server rejects the credentials.
	RefreshToken func(ctx context.Context) error

	registry *synctable.Registry
	tables   *TableInfoProvider
	config   *Config
	logger   *slog.Logger

	// batchSize starts at config.BatchSize and shrinks when the server refuses a batch.
	batchSize int

	gate    *semaphore.Weighted
	online  atomic.Bool
	syncing atomic.Bool
	wake    chan struct{}

	mu          sync.Mutex
	cancelCycle context.CancelFunc
	lastError   error
	denied      error // rejections seen by the running cycle
}

// Config holds configuration for the SQLite sync client
type Config struct {
	Registry      *synctable.Registry
	SchemaVersion int
	BatchSize     int           // outbox entries per push request
	PageSize      int           // pull page size, 0 uses the server default
	MaxAttempts   int           // failed entries stop being retried after this many attempts
	MaxRetries    int           // network retries per request
	BackoffMin    time.Duration // 500ms
	BackoffMax    time.Duration // 30s
	// RequestTimeout bounds every network call.
	RequestTimeout time.Duration
	UpInterval     time.Duration
	DownInterval   time.Duration
	// CollectionsOverride and GenreFilter narrow what the server sends.
	CollectionsOverride map[string][]string
	GenreFilter         []string
	Logger              *slog.Logger
	Now                 func() time.Time
}

// DefaultConfig returns a configuration for the given registry.
func DefaultConfig(registry *synctable.Registry, schemaVersion int) *Config {
	return &Config{
		Registry:       registry,
		SchemaVersion:  schemaVersion,
		BatchSize:      100,
		MaxAttempts:    5,
		MaxRetries:     3,
		BackoffMin:     500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		RequestTimeout: 30 * time.Second,
		UpInterval:     5 * time.Second,
		DownInterval:   60 * time.Second,
	}
}

func (cfg *Config) withDefaults() *Config {
	out := *cfg
	def := DefaultConfig(cfg.Registry, cfg.SchemaVersion)
	if out.BatchSize <= 0 {
		out.BatchSize = def.BatchSize
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = def.BackoffMin
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = max(def.BackoffMax, out.BackoffMin)
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = def.RequestTimeout
	}
	if out.UpInterval <= 0 {
		out.UpInterval = def.UpInterval
	}
	if out.DownInterval <= 0 {
		out.DownInterval = def.DownInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// NewClient prepares db for sync: it creates the bookkeeping tables, resets a stuck
// apply_mode, loads or creates the device id and installs capture triggers for every
// registered table. The client starts online.
func NewClient(ctx context.Context, db *sql.DB, transport Transport, config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("config.Registry must be provided")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	cfg := config.withDefaults()

	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deviceID, err := EnsureDeviceID(ctx, db)
	if err != nil {
		return nil, err
	}

	c := &Client{
		DB:        db,
		DeviceID:  deviceID,
		Transport: transport,
		registry:  cfg.Registry,
		tables:    NewTableInfoProvider(),
		config:    cfg,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger.With("device_id", deviceID),
		gate:      semaphore.NewWeighted(1),
		wake:      make(chan struct{}, 1),
	}
	c.online.Store(true)

	if err := c.installTriggers(ctx, db); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) now() time.Time {
	return c.config.Now()
}

// Registry returns the tables this client synchronizes.
func (c *Client) Registry() *synctable.Registry {
	return c.registry
}
