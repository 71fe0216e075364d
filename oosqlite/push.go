// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tunetrees/oosync/oosync"
	"github.com/tunetrees/oosync/synctable"
)

// pushAll sends batches until the outbox is drained or a batch leaves failures behind.
// Failed entries wait for the next cycle instead of being hammered in a loop.
func (c *Client) pushAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, again, err := c.pushBatch(ctx)
		total += n
		if err != nil || !again {
			return total, err
		}
	}
}

// pushBatch sends one request. It reports whether another batch should follow right away.
func (c *Client) pushBatch(ctx context.Context) (int, bool, error) {
	entries, err := c.retryableEntries(ctx, c.batchSize)
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	full := len(entries) == c.batchSize

	var (
		send    []oosync.OutboxChange
		sent    = map[string]*pendingChange{} // by change id
		gone    []string                      // rows deleted locally after an upsert was captured
		badIDs  []string
		badMsgs []string
	)
	for _, p := range collapse(entries) {
		ch, err := c.buildChange(ctx, p)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			gone = append(gone, p.EntryIDs...)
			continue
		case err != nil:
			// unregistered table or unreadable row: never retried unchanged
			c.logger.Error("Outbox entry cannot be sent", "table", p.TableName, "row_id", p.RowID, "error", err)
			badIDs = append(badIDs, p.EntryIDs...)
			badMsgs = append(badMsgs, err.Error())
			continue
		}
		send = append(send, *ch)
		sent[ch.ID] = p
	}

	if len(send) == 0 {
		err := c.withTx(ctx, func(tx *sql.Tx) error {
			if err := c.markSynced(ctx, tx, gone); err != nil {
				return err
			}
			return c.deadLetter(ctx, tx, badIDs, strings.Join(badMsgs, "; "))
		})
		return 0, err == nil && full, err
	}

	c.logger.Info("Pushing changes", "count", len(send), "entries", len(entries))
	resp, err := c.send(ctx, "push", &oosync.SyncRequest{
		Changes:       send,
		SchemaVersion: c.config.SchemaVersion,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, err
		}
		var ids []string
		for _, p := range sent {
			ids = append(ids, p.EntryIDs...)
		}
		// an unreachable server says nothing about the changes themselves
		record := c.recordRequestFailure
		if countsAsAttempt(err) {
			record = c.markFailed
		}
		if merr := c.withTx(ctx, func(tx *sql.Tx) error {
			return record(ctx, tx, ids, err.Error())
		}); merr != nil {
			c.logger.Error("Failed to record push failure", "error", merr)
		}
		return 0, false, err
	}

	for _, r := range resp.Results {
		if r.Reason == oosync.ReasonBatchTooLarge {
			if c.batchSize > 1 {
				c.batchSize = max(1, c.batchSize/2)
				c.logger.Warn("Server refused batch size, shrinking", "batch_size", c.batchSize)
				return 0, true, nil
			}
			break
		}
	}

	pushed, failures := 0, 0
	var rejected []string
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		results := make(map[string]oosync.ChangeResult, len(resp.Results))
		for _, r := range resp.Results {
			results[r.ID] = r
		}
		var synced []string
		for _, ch := range send {
			p := sent[ch.ID]
			r, ok := results[ch.ID]
			if !ok {
				failures++
				if err := c.markFailed(ctx, tx, p.EntryIDs, "no result from server"); err != nil {
					return err
				}
				continue
			}
			switch r.Status {
			case oosync.StApplied, oosync.StConflict:
				// a conflict is settled: the next pull brings the authoritative row
				synced = append(synced, p.EntryIDs...)
				pushed++
			case oosync.StRejected:
				c.logger.Warn("Change rejected by server", "table", r.TableName, "row_id", r.RowID, "reason", r.Reason)
				rejected = append(rejected, r.TableName+"/"+r.RowID+": "+r.Reason)
				if err := c.deadLetter(ctx, tx, p.EntryIDs, resultMessage(r)); err != nil {
					return err
				}
			default:
				failures++
				c.logger.Warn("Change failed on server", "table", r.TableName, "row_id", r.RowID,
					"status", r.Status, "reason", r.Reason, "message", r.Message)
				if err := c.markFailed(ctx, tx, p.EntryIDs, resultMessage(r)); err != nil {
					return err
				}
			}
		}
		if err := c.markSynced(ctx, tx, append(synced, gone...)); err != nil {
			return err
		}
		return c.deadLetter(ctx, tx, badIDs, strings.Join(badMsgs, "; "))
	})
	if err != nil {
		return pushed, false, fmt.Errorf("failed to record push results: %w", err)
	}
	if len(rejected) > 0 {
		c.noteDenied(&SyncError{Kind: KindDeny, Op: "push",
			Err: fmt.Errorf("%d change(s) rejected: %s", len(rejected), strings.Join(rejected, ", "))})
	}
	return pushed, full && failures == 0, nil
}

func resultMessage(r oosync.ChangeResult) string {
	msg := r.Status
	if r.Reason != "" {
		msg += ": " + r.Reason
	}
	if r.Message != "" {
		msg += ": " + r.Message
	}
	return msg
}

// buildChange turns a collapsed outbox change into its wire form. Non-deletes carry the
// current row image; sql.ErrNoRows means the row is gone locally.
func (c *Client) buildChange(ctx context.Context, p *pendingChange) (*oosync.OutboxChange, error) {
	t, err := c.registry.Lookup(p.TableName)
	if err != nil {
		return nil, err
	}
	changedAt := p.ChangedAt
	captured, cerr := synctable.ParseTimestamp(p.ChangedAt)
	if cerr == nil {
		changedAt = synctable.FormatTimestamp(captured)
	}
	ch := &oosync.OutboxChange{
		ID:        p.ID(),
		TableName: t.Name,
		RowID:     p.RowID,
		Operation: p.Operation,
		ChangedAt: changedAt,
	}
	if p.Operation == oosync.OpDelete {
		return ch, nil
	}

	key, err := t.DecodeKey(p.RowID)
	if err != nil {
		return nil, err
	}
	row, err := readRow(ctx, c.DB, t, key)
	if err != nil {
		return nil, err
	}
	remote, err := t.ToRemote(row)
	if err != nil {
		return nil, err
	}
	if t.HasModified() && cerr == nil {
		// an edit that did not bump the modified column still has to win over older rows
		cur, err := synctable.ParseTimestamp(remote[t.ModifiedColumn])
		if remote[t.ModifiedColumn] == nil || err != nil || cur.Before(captured) {
			remote[t.ModifiedColumn] = changedAt
		}
	}
	data, err := marshalJSON(remote)
	if err != nil {
		return nil, err
	}
	ch.Data = data
	return ch, nil
}

// readRow loads one local row by key, columns lower-cased.
func readRow(ctx context.Context, q tableInfoQueryer, t *synctable.Table, key synctable.Key) (synctable.Row, error) {
	where, args := keyWhere(key)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE %s`, quoteIdent(t.Name), where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s row: %w", t.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s row: %w", t.Name, err)
	}
	row := make(synctable.Row, len(cols))
	for i, col := range cols {
		row[strings.ToLower(col)] = vals[i]
	}
	return row, nil
}

// keyWhere matches key columns as text, the form row ids are captured in.
func keyWhere(key synctable.Key) (string, []any) {
	conds := make([]string, len(key))
	args := make([]any, len(key))
	for i, p := range key {
		conds[i] = fmt.Sprintf("CAST(%s AS TEXT) = ?", quoteIdent(p.Column))
		args[i] = p.Value
	}
	return strings.Join(conds, " AND "), args
}

func marshalJSON(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
