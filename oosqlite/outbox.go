// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tunetrees/oosync/oosync"
	"github.com/tunetrees/oosync/synctable"
)

// Outbox entry statuses.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// OutboxEntry is one captured local change.
type OutboxEntry struct {
	ID        string
	TableName string
	RowID     string
	Operation string
	Status    string
	ChangedAt string
	SyncedAt  string
	Attempts  int
	LastError string
}

// pendingChange is the net effect of one or more entries on the same row.
type pendingChange struct {
	TableName string
	RowID     string
	Operation string
	ChangedAt string
	EntryIDs  []string // every collapsed entry, oldest first
}

// ID is the id sent to the server: the newest collapsed entry.
func (p *pendingChange) ID() string {
	return p.EntryIDs[len(p.EntryIDs)-1]
}

// collapse folds entries (in capture order) into one change per (table, row) keeping the
// position of the row's first entry. The net operation is: INSERT..DELETE -> DELETE,
// INSERT..UPDATE -> INSERT, otherwise the last operation.
func collapse(entries []OutboxEntry) []*pendingChange {
	var out []*pendingChange
	byRow := map[string]*pendingChange{}
	for _, e := range entries {
		k := e.TableName + "\x00" + e.RowID
		p, ok := byRow[k]
		if !ok {
			p = &pendingChange{TableName: e.TableName, RowID: e.RowID, Operation: e.Operation}
			byRow[k] = p
			out = append(out, p)
		} else {
			switch {
			case e.Operation == oosync.OpDelete:
				p.Operation = oosync.OpDelete
			case p.Operation == oosync.OpInsert && e.Operation == oosync.OpUpdate:
				// still an insert from the server's point of view
			default:
				p.Operation = e.Operation
			}
		}
		p.ChangedAt = e.ChangedAt
		p.EntryIDs = append(p.EntryIDs, e.ID)
	}
	return out
}

const outboxColumns = `id, table_name, row_id, operation, status, changed_at, synced_at, attempts, last_error`

func scanEntries(rows *sql.Rows) ([]OutboxEntry, error) {
	defer rows.Close()
	var out []OutboxEntry
	for rows.Next() {
		var (
			e         OutboxEntry
			syncedAt  sql.NullString
			lastError sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TableName, &e.RowID, &e.Operation, &e.Status,
			&e.ChangedAt, &syncedAt, &e.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.SyncedAt, e.LastError = syncedAt.String, lastError.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// retryableEntries returns up to limit entries that still need to be sent, in capture order.
func (c *Client) retryableEntries(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM sync_outbox
		WHERE status = 'pending' OR (status = 'failed' AND attempts < ?)
		ORDER BY changed_at, rowid
		LIMIT ?`, c.config.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return scanEntries(rows)
}

func (c *Client) retryableCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_outbox
		WHERE status = 'pending' OR (status = 'failed' AND attempts < ?)`, c.config.MaxAttempts).Scan(&n)
	return n, err
}

// pendingRows returns the (table, row_id) pairs that still have unsent local changes.
// Pulled rows for these keys are skipped so local edits are not overwritten.
func (c *Client) pendingRows(ctx context.Context, q tableInfoQueryer) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT table_name, row_id FROM sync_outbox
		WHERE status = 'pending' OR (status = 'failed' AND attempts < ?)`, c.config.MaxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var table, rowID string
		if err := rows.Scan(&table, &rowID); err != nil {
			return nil, err
		}
		out[table+"\x00"+rowID] = true
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []string, prefix ...any) []any {
	args := append([]any{}, prefix...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func (c *Client) markSynced(ctx context.Context, tx execer, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := synctable.FormatTimestamp(c.now())
	_, err := tx.ExecContext(ctx,
		`UPDATE sync_outbox SET status = 'synced', synced_at = ?, last_error = NULL WHERE id IN (`+placeholders(len(ids))+`)`,
		idArgs(ids, now)...)
	return err
}

func (c *Client) markFailed(ctx context.Context, tx execer, ids []string, msg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE sync_outbox SET status = 'failed', attempts = attempts + 1, last_error = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		idArgs(ids, msg)...)
	return err
}

// recordRequestFailure notes why a request did not reach the server without spending an attempt.
func (c *Client) recordRequestFailure(ctx context.Context, tx execer, ids []string, msg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE sync_outbox SET last_error = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		idArgs(ids, msg)...)
	return err
}

// deadLetter fails entries permanently; they stay visible in FailedEntries.
func (c *Client) deadLetter(ctx context.Context, tx execer, ids []string, msg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE sync_outbox SET status = 'failed', attempts = MAX(attempts + 1, ?), last_error = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		idArgs(ids, c.config.MaxAttempts, msg)...)
	return err
}

// PendingCount returns the number of outbox entries not yet accepted by the server,
// including failed ones that will be retried.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.retryableCount(ctx)
}

// FailedEntries returns entries that exhausted their attempts, newest first.
func (c *Client) FailedEntries(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM sync_outbox
		WHERE status = 'failed' AND attempts >= ?
		ORDER BY changed_at DESC, rowid DESC`, c.config.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed entries: %w", err)
	}
	return scanEntries(rows)
}

// RetryFailed puts every failed entry back into the pending state.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	res, err := c.DB.ExecContext(ctx,
		`UPDATE sync_outbox SET status = 'pending', attempts = 0, last_error = NULL WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneSynced deletes synced entries older than the given age.
func (c *Client) PruneSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := synctable.FormatTimestamp(c.now().Add(-olderThan))
	res, err := c.DB.ExecContext(ctx,
		`DELETE FROM sync_outbox WHERE status = 'synced' AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
