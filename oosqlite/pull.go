// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tunetrees/oosync/oosync"
	"github.com/tunetrees/oosync/synctable"
)

// pullAll walks every remaining page from the saved cursor. Local changes go out first so
// that pulled rows never overwrite edits the server has not seen.
func (c *Client) pullAll(ctx context.Context) (int, error) {
	pending, err := c.retryableCount(ctx)
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		if _, err := c.pushAll(ctx); err != nil {
			return 0, err
		}
		if pending, err = c.retryableCount(ctx); err != nil {
			return 0, err
		}
		if pending > 0 {
			return 0, fmt.Errorf("%w: %d entries", ErrPushIncomplete, pending)
		}
	}

	cursor, lastSyncAt, err := loadCursor(ctx, c.DB)
	if err != nil {
		return 0, fmt.Errorf("failed to load pull cursor: %w", err)
	}

	total := 0
	for page := 1; ; page++ {
		req := &oosync.SyncRequest{
			SchemaVersion:       c.config.SchemaVersion,
			PullCursor:          cursor,
			PageSize:            c.config.PageSize,
			CollectionsOverride: c.config.CollectionsOverride,
			GenreFilter:         c.config.GenreFilter,
			Pull:                true,
		}
		if cursor == "" {
			req.LastSyncAt = lastSyncAt
		}
		resp, err := c.send(ctx, "pull", req)
		if err != nil {
			return total, err
		}

		applied, err := c.applyPage(ctx, resp)
		if err != nil {
			return total, fmt.Errorf("failed to apply pull page %d: %w", page, err)
		}
		total += applied
		c.logger.Debug("Applied pull page", "page", page, "rows", len(resp.Changes), "applied", applied,
			"more", resp.NextCursor != "")

		if resp.Cursor != "" {
			cursor = resp.Cursor
		}
		if resp.NextCursor == "" {
			break
		}
	}
	if total > 0 {
		c.logger.Info("Pulled changes", "applied", total)
	}
	return total, nil
}

// applyPage writes one page and its cursor in a single transaction with capture disabled.
// Rows that still have unsent local changes are skipped.
func (c *Client) applyPage(ctx context.Context, resp *oosync.SyncResponse) (int, error) {
	applied := 0
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := setApplyMode(ctx, tx, true); err != nil {
			return fmt.Errorf("failed to enable apply mode: %w", err)
		}
		pending, err := c.pendingRows(ctx, tx)
		if err != nil {
			return err
		}
		for i := range resp.Changes {
			row := &resp.Changes[i]
			if pending[row.TableName+"\x00"+row.RowID] {
				c.logger.Debug("Skipping pulled row with local changes", "table", row.TableName, "row_id", row.RowID)
				continue
			}
			if err := c.applyRemoteRow(ctx, tx, row); err != nil {
				return fmt.Errorf("table %s row %s: %w", row.TableName, row.RowID, err)
			}
			applied++
		}

		cursor, _, err := loadCursor(ctx, tx)
		if err != nil {
			return err
		}
		if resp.Cursor != "" {
			cursor = resp.Cursor
		}
		if err := saveCursor(ctx, tx, cursor, resp.SyncedAt); err != nil {
			return fmt.Errorf("failed to save pull cursor: %w", err)
		}
		return setApplyMode(ctx, tx, false)
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (c *Client) applyRemoteRow(ctx context.Context, tx *sql.Tx, row *oosync.RemoteRow) error {
	t, err := c.registry.Lookup(row.TableName)
	if err != nil {
		return err
	}
	key, err := t.DecodeKey(row.RowID)
	if err != nil {
		return err
	}
	if row.Operation == oosync.OpDelete {
		where, args := keyWhere(key)
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, quoteIdent(t.Name), where), args...)
		return err
	}

	info, err := c.tables.Get(ctx, tx, t.Name)
	if err != nil {
		return err
	}
	data, err := decodeRowData(row.Data)
	if err != nil {
		return err
	}
	local, err := t.ToLocal(data)
	if err != nil {
		return err
	}

	cols := make([]string, 0, len(local))
	for col := range local {
		if info.Has(col) {
			cols = append(cols, col)
		}
	}
	slices.Sort(cols)
	if len(cols) == 0 {
		return fmt.Errorf("pulled row has no local columns")
	}

	// the row id is authoritative: a local row with the same key is the same row even when
	// its unique columns have not been filled in yet
	updated, err := updateByKey(ctx, tx, t, key, cols, local)
	if err != nil || updated {
		return err
	}
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = local[col]
	}
	_, err = tx.ExecContext(ctx, buildLocalUpsertSQL(t, cols), args...)
	return err
}

func updateByKey(ctx context.Context, tx *sql.Tx, t *synctable.Table, key synctable.Key, cols []string, row synctable.Row) (bool, error) {
	var (
		sets []string
		args []any
	)
	for _, col := range cols {
		if slices.Contains(t.PrimaryKey, col) {
			continue
		}
		sets = append(sets, quoteIdent(col)+" = ?")
		args = append(args, row[col])
	}
	if len(sets) == 0 {
		return false, nil
	}
	where, keyArgs := keyWhere(key)
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, quoteIdent(t.Name), strings.Join(sets, ", "), where),
		append(args, keyArgs...)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// buildLocalUpsertSQL inserts the row or overwrites every non-target column of the row that
// matches the table's conflict target.
func buildLocalUpsertSQL(t *synctable.Table, cols []string) string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
	}
	target := t.ConflictTarget()
	targetQuoted := make([]string, len(target))
	for i, col := range target {
		targetQuoted[i] = quoteIdent(col)
	}

	var sets []string
	for _, col := range cols {
		if slices.Contains(target, col) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(col), quoteIdent(col)))
	}
	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s`,
		quoteIdent(t.Name),
		strings.Join(quoted, ", "),
		placeholders(len(cols)),
		strings.Join(targetQuoted, ", "),
		conflict,
	)
}

// decodeRowData parses a pulled row image. Numbers become int64 or float64 and column names
// are lower-cased.
func decodeRowData(raw json.RawMessage) (synctable.Row, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("pulled row has no data")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid row data: %w", err)
	}
	row := make(synctable.Row, len(m))
	for k, v := range m {
		if n, ok := v.(json.Number); ok {
			num, err := synctable.ParseNumeric(n.String())
			if err != nil {
				return nil, err
			}
			v = num
		}
		row[strings.ToLower(k)] = v
	}
	return row, nil
}
