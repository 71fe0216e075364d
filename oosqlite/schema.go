// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// initializeDatabase creates the sync bookkeeping tables and clears a stuck apply_mode left
// behind by a crash in the middle of applying a pull page.
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_outbox (
			id          TEXT PRIMARY KEY,
			table_name  TEXT NOT NULL,
			row_id      TEXT NOT NULL,
			operation   TEXT NOT NULL CHECK (operation IN ('INSERT','UPDATE','DELETE')),
			status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','synced','failed')),
			changed_at  TEXT NOT NULL,
			synced_at   TEXT,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS sync_outbox_status_idx ON sync_outbox(status, changed_at)`,
		`CREATE INDEX IF NOT EXISTS sync_outbox_row_idx ON sync_outbox(table_name, row_id)`,

		// single row
		`CREATE TABLE IF NOT EXISTS sync_client_state (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			device_id    TEXT NOT NULL,
			apply_mode   INTEGER NOT NULL DEFAULT 0,  -- 1 while a pull page is applied
			pull_cursor  TEXT,
			last_sync_at TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `UPDATE sync_client_state SET apply_mode = 0 WHERE apply_mode = 1`); err != nil {
		return fmt.Errorf("failed to reset apply_mode: %w", err)
	}
	return nil
}

// EnsureDeviceID returns the persisted device id, generating one on first use.
func EnsureDeviceID(ctx context.Context, db *sql.DB) (string, error) {
	var deviceID string
	err := db.QueryRowContext(ctx, `SELECT device_id FROM sync_client_state WHERE id = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.NewString()
		if _, err := db.ExecContext(ctx,
			`INSERT INTO sync_client_state (id, device_id, apply_mode) VALUES (1, ?, 0)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert client state: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client state: %w", err)
	}
	return deviceID, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func setApplyMode(ctx context.Context, tx execer, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE sync_client_state SET apply_mode = ? WHERE id = 1`, v)
	return err
}

func loadCursor(ctx context.Context, q execer) (cursor, lastSyncAt string, err error) {
	var c, l sql.NullString
	err = q.QueryRowContext(ctx, `SELECT pull_cursor, last_sync_at FROM sync_client_state WHERE id = 1`).Scan(&c, &l)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	return c.String, l.String, err
}

func saveCursor(ctx context.Context, tx execer, cursor, syncedAt string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sync_client_state SET pull_cursor = ?, last_sync_at = ? WHERE id = 1`, cursor, syncedAt)
	return err
}
