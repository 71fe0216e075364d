// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tunetrees/oosync/synctable"
)

type pullPage struct {
	rows   []RemoteRow
	cursor string
	next   string
	debug  []string
}

// processPull serves one page of the cursor walk. The page is read in a single REPEATABLE READ
// read-only transaction and may span several tables.
func (s *SyncService) processPull(ctx context.Context, userID string, req *SyncRequest) (*pullPage, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = s.config.DefaultPageSize
	}
	if pageSize > s.config.MaxPageSize {
		pageSize = s.config.MaxPageSize
	}

	tables, err := s.registry.Select(req.PullTables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(tables) == 0 {
		return &pullPage{rows: []RemoteRow{}, cursor: req.PullCursor}, nil
	}

	cur, err := decodeCursor(req.PullCursor)
	if err != nil {
		return nil, err
	}
	if req.PullCursor == "" && req.LastSyncAt != "" {
		since, err := synctable.ParseTimestamp(req.LastSyncAt)
		if err != nil {
			return nil, fmt.Errorf("%w: lastSyncAt: %v", ErrBadPayload, err)
		}
		cur.Since = synctable.FormatTimestamp(since)
	}

	resting, prevScope := !cur.inWalk(), cur.Scope
	var now time.Time
	if resting {
		// rows are stamped by the database clock, so the window is bounded by it as well
		if err := s.pool.QueryRow(ctx, "SELECT clock_timestamp()").Scan(&now); err != nil {
			return nil, fmt.Errorf("failed to read database clock: %w", err)
		}
	}
	idx := s.startWalk(&cur, tables, now)

	page := &pullPage{rows: []RemoteRow{}}
	done := s.timeStage(ctx, StagePullPage, 1)
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		scope, err := s.resolveScope(ctx, tx, userID, tables, req)
		if err != nil {
			return err
		}
		if resting {
			cur.Scope = scope.fingerprint()
			cur.Rescan = cur.Since != "" && cur.Scope != prevScope
			if cur.Rescan {
				s.logger.Debug("Collections changed, rescanning scoped tables", "user_id", userID)
			}
		}
		return s.fillPage(ctx, tx, scope, tables, idx, &cur, pageSize, page)
	})
	done(len(page.rows), err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pull page: %w", err)
	}

	if cur.inWalk() {
		page.cursor = cur.encode()
		page.next = page.cursor
	} else {
		page.cursor = pullCursor{Since: cur.Until, Scope: cur.Scope}.encode()
	}
	s.logger.Debug("Processed pull page",
		"user_id", userID, "rows", len(page.rows), "more", page.next != "", "since", cur.Since, "until", cur.Until)
	return page, nil
}

// startWalk positions cur on a table and returns its index in tables. A cursor at rest starts
// a new walk whose window begins at the previous upper bound.
func (s *SyncService) startWalk(cur *pullCursor, tables []*synctable.Table, now time.Time) int {
	if cur.inWalk() {
		for i, t := range tables {
			if t.Name == cur.Table {
				return i
			}
		}
		// table set changed mid-walk: restart inside the same window
		cur.Table, cur.Phase = tables[0].Name, phaseRows
		cur.TS, cur.Key, cur.Tomb = "", nil, 0
		return 0
	}

	until := synctable.FormatTimestamp(now.Add(-s.config.CommitLag))
	if cur.Since != "" && until < cur.Since {
		until = cur.Since
	}
	*cur = pullCursor{Since: cur.Since, Until: until, Table: tables[0].Name, Phase: phaseRows}
	return 0
}

func (s *SyncService) resolveScope(ctx context.Context, tx pgx.Tx, userID string, tables []*synctable.Table, req *SyncRequest) (*pullScope, error) {
	scope := &pullScope{userID: userID, collections: map[string][]string{}}
	needed := false
	for _, t := range tables {
		if len(t.Visibility.Collections()) > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return scope, nil
	}
	done := s.timeStage(ctx, StageCollections, 1)
	computed, err := s.computeCollections(ctx, tx, userID)
	done(len(computed), err)
	if err != nil {
		return nil, err
	}
	scope.collections = narrowCollections(computed, req.CollectionsOverride, req.GenreFilter)
	return scope, nil
}

func (s *SyncService) fillPage(
	ctx context.Context,
	tx pgx.Tx,
	scope *pullScope,
	tables []*synctable.Table,
	idx int,
	cur *pullCursor,
	pageSize int,
	page *pullPage,
) error {
	for cur.inWalk() {
		remaining := pageSize - len(page.rows)
		if remaining <= 0 {
			return nil
		}
		t := tables[idx]

		var (
			more bool
			n    int
			err  error
		)
		if cur.Phase == phaseTombstones {
			n, more, err = s.fetchTombstones(ctx, tx, scope, t, cur, remaining, page)
		} else {
			n, more, err = s.fetchRows(ctx, tx, scope, t, cur, remaining, page)
		}
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		page.debug = append(page.debug, fmt.Sprintf("%s/%s: %d rows", t.Name, cur.Phase, n))
		if more {
			return nil
		}

		// phase exhausted
		cur.TS, cur.Key, cur.Tomb = "", nil, 0
		if cur.Phase == phaseRows && cur.Since != "" && t.Delete == synctable.DeleteHard {
			cur.Phase = phaseTombstones
			continue
		}
		idx++
		if idx >= len(tables) {
			cur.Table, cur.Phase = "", ""
			return nil
		}
		cur.Table, cur.Phase = tables[idx].Name, phaseRows
	}
	return nil
}

func (s *SyncService) windowArgs(scope *pullScope, fb *filterBuilder, cur *pullCursor, since string, limit int) pgx.NamedArgs {
	args := maps.Clone(fb.args)
	args["user_id"] = scope.userID
	args["schema"] = s.config.Schema
	args["until"] = cur.Until
	args["limit"] = limit + 1
	if since != "" {
		args["since"] = since
	} else {
		args["since"] = nil
	}
	return args
}

func (s *SyncService) fetchRows(
	ctx context.Context,
	tx pgx.Tx,
	scope *pullScope,
	t *synctable.Table,
	cur *pullCursor,
	limit int,
	page *pullPage,
) (int, bool, error) {
	fb := newFilterBuilder(s.config.Schema, scope)
	vis, err := fb.clause(t.Visibility)
	if err != nil {
		return 0, false, err
	}
	withPos := len(cur.Key) > 0
	if withPos && len(cur.Key) != len(t.PrimaryKey) {
		return 0, false, fmt.Errorf("%w: cursor key does not match table key", ErrBadPayload)
	}

	args := s.windowArgs(scope, fb, cur, cur.rowsSince(t), limit)
	if withPos {
		args["pos_ts"] = cur.TS
		for i, v := range cur.Key {
			args[fmt.Sprintf("pos_k%d", i)] = v
		}
	}

	rows, err := tx.Query(ctx, buildRowsPageSQL(s.config.Schema, t, vis, withPos), args)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if n == limit {
			return n, true, nil
		}
		var (
			data []byte
			ts   *string
			keys []string
		)
		if err := rows.Scan(&data, &ts, &keys); err != nil {
			return n, false, err
		}
		key := make(synctable.Key, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			key[i] = synctable.KeyPart{Column: c, Value: keys[i]}
		}
		page.rows = append(page.rows, RemoteRow{
			TableName: t.Name,
			RowID:     key.Encode(),
			Operation: OpUpdate,
			Deleted:   isDeletedRow(t, data),
			Data:      json.RawMessage(data),
		})
		n++
		cur.Key = keys
		if ts != nil {
			cur.TS = *ts
		}
	}
	return n, false, rows.Err()
}

func (s *SyncService) fetchTombstones(
	ctx context.Context,
	tx pgx.Tx,
	scope *pullScope,
	t *synctable.Table,
	cur *pullCursor,
	limit int,
	page *pullPage,
) (int, bool, error) {
	fb := newFilterBuilder(s.config.Schema, scope)
	args := s.windowArgs(scope, fb, cur, cur.Since, limit)
	args["table_name"] = t.Name
	withPos := cur.Tomb > 0
	if withPos {
		args["pos_ts"] = cur.TS
		args["pos_id"] = cur.Tomb
	}

	rows, err := tx.Query(ctx, buildTombstonesPageSQL(t.Visibility.Shared(), withPos), args)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if n == limit {
			return n, true, nil
		}
		var (
			rowID string
			ts    string
			id    int64
		)
		if err := rows.Scan(&rowID, &ts, &id); err != nil {
			return n, false, err
		}
		page.rows = append(page.rows, RemoteRow{
			TableName: t.Name,
			RowID:     rowID,
			Operation: OpDelete,
			Deleted:   true,
		})
		n++
		cur.TS, cur.Tomb = ts, id
	}
	return n, false, rows.Err()
}

func isDeletedRow(t *synctable.Table, data []byte) bool {
	if !t.HasDeletedFlag {
		return false
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return false
	}
	v, ok := row[t.DeletedColumn]
	if !ok || v == nil {
		return false
	}
	b, err := synctable.ToBool(v)
	return err == nil && b
}
