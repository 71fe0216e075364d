// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/internal/testdb"
	"github.com/tunetrees/oosync/oosync"
	"github.com/tunetrees/oosync/synctable"
)

type fakeTransport struct {
	mu       sync.Mutex
	requests []oosync.SyncRequest
	handle   func(ctx context.Context, req *oosync.SyncRequest) (*oosync.SyncResponse, error)
}

func (f *fakeTransport) Sync(ctx context.Context, req *oosync.SyncRequest) (*oosync.SyncResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	h := f.handle
	f.mu.Unlock()
	if h == nil {
		return acceptAll(req), nil
	}
	return h(ctx, req)
}

func (f *fakeTransport) all() []oosync.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]oosync.SyncRequest(nil), f.requests...)
}

func (f *fakeTransport) pushes() []oosync.SyncRequest {
	var out []oosync.SyncRequest
	for _, r := range f.all() {
		if len(r.Changes) > 0 {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransport) pulls() []oosync.SyncRequest {
	var out []oosync.SyncRequest
	for _, r := range f.all() {
		if r.Pull {
			out = append(out, r)
		}
	}
	return out
}

// acceptAll applies every pushed change and answers pulls with an empty final page.
func acceptAll(req *oosync.SyncRequest) *oosync.SyncResponse {
	return respond(req, func(oosync.OutboxChange) string { return oosync.StApplied })
}

func respond(req *oosync.SyncRequest, status func(oosync.OutboxChange) string) *oosync.SyncResponse {
	resp := &oosync.SyncResponse{Changes: []oosync.RemoteRow{}, SyncedAt: "2025-06-01T00:00:00.000000Z"}
	for _, ch := range req.Changes {
		resp.Results = append(resp.Results, oosync.ChangeResult{
			ID:        ch.ID,
			TableName: ch.TableName,
			RowID:     ch.RowID,
			Status:    status(ch),
		})
	}
	if req.Pull {
		resp.Cursor = "cursor-at-rest"
	}
	return resp
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(testdb.SQLiteDDL)
	require.NoError(t, err)
	return db
}

func newTestClient(t *testing.T, tr Transport, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(synctable.Default(), 1)
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, o := range opts {
		o(cfg)
	}
	c, err := NewClient(context.Background(), newTestDB(t), tr, cfg)
	require.NoError(t, err)
	return c
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	require.NoError(t, err)
}

// applyLocally writes without capture, as a pulled page would.
func applyLocally(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, setApplyMode(ctx, db, true))
	mustExec(t, db, query, args...)
	require.NoError(t, setApplyMode(ctx, db, false))
}

func allEntries(t *testing.T, db *sql.DB) []OutboxEntry {
	t.Helper()
	rows, err := db.Query(`SELECT ` + outboxColumns + ` FROM sync_outbox ORDER BY changed_at, rowid`)
	require.NoError(t, err)
	entries, err := scanEntries(rows)
	require.NoError(t, err)
	return entries
}

func decodeData(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
