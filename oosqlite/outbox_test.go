// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/oosync"
	"github.com/tunetrees/oosync/synctable"
)

func TestTriggers_CaptureEveryEvent(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})

	mustExec(t, c.DB, `INSERT INTO tune (id, title) VALUES ('t1', 'Kesh')`)
	mustExec(t, c.DB, `UPDATE tune SET title = 'The Kesh' WHERE id = 't1'`)
	mustExec(t, c.DB, `DELETE FROM tune WHERE id = 't1'`)
	mustExec(t, c.DB, `INSERT INTO playlist_tune (playlist_ref, tune_ref) VALUES ('p1', 't1')`)

	entries := allEntries(t, c.DB)
	require.Len(t, entries, 4)

	ops := []string{oosync.OpInsert, oosync.OpUpdate, oosync.OpDelete, oosync.OpInsert}
	for i, e := range entries {
		require.Equal(t, ops[i], e.Operation)
		require.Equal(t, StatusPending, e.Status)
		require.Zero(t, e.Attempts)
		require.Len(t, e.ID, 32)
		_, err := synctable.ParseTimestamp(e.ChangedAt)
		require.NoError(t, err)
	}
	require.Equal(t, "t1", entries[2].RowID)

	composite := synctable.Key{{Column: "playlist_ref", Value: "p1"}, {Column: "tune_ref", Value: "t1"}}.Encode()
	require.Equal(t, "playlist_tune", entries[3].TableName)
	require.Equal(t, composite, entries[3].RowID)

	pt, err := c.registry.Lookup("playlist_tune")
	require.NoError(t, err)
	key, err := pt.DecodeKey(entries[3].RowID)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "t1"}, key.Values())
}

func TestTriggers_ApplyModeSuppressesCapture(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})

	applyLocally(t, c.DB, `INSERT INTO note (id, note_text) VALUES ('n1', 'from server')`)
	require.Empty(t, allEntries(t, c.DB))

	mustExec(t, c.DB, `UPDATE note SET note_text = 'mine' WHERE id = 'n1'`)
	require.Len(t, allEntries(t, c.DB), 1)
}

func TestNewClient_ResetsStuckApplyModeAndKeepsDeviceID(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, &fakeTransport{})
	require.NotEmpty(t, c.DeviceID)

	// a crash in the middle of a page leaves apply_mode set
	require.NoError(t, setApplyMode(ctx, c.DB, true))

	again, err := NewClient(ctx, c.DB, &fakeTransport{}, c.config)
	require.NoError(t, err)
	require.Equal(t, c.DeviceID, again.DeviceID)

	mustExec(t, c.DB, `INSERT INTO tune (id) VALUES ('t1')`)
	require.Len(t, allEntries(t, c.DB), 1)
}

func TestNewClient_MissingLocalTable(t *testing.T) {
	db := newTestDB(t)
	mustExec(t, db, `DROP TABLE tag`)
	_, err := NewClient(context.Background(), db, &fakeTransport{}, DefaultConfig(synctable.Default(), 1))
	require.ErrorContains(t, err, "tag")
}

func TestCollapse(t *testing.T) {
	entries := []OutboxEntry{
		{ID: "1", TableName: "tune", RowID: "t1", Operation: oosync.OpInsert, ChangedAt: "a"},
		{ID: "2", TableName: "tune", RowID: "t2", Operation: oosync.OpInsert, ChangedAt: "b"},
		{ID: "3", TableName: "tune", RowID: "t1", Operation: oosync.OpUpdate, ChangedAt: "c"},
		{ID: "4", TableName: "tune", RowID: "t2", Operation: oosync.OpDelete, ChangedAt: "d"},
		{ID: "5", TableName: "tune", RowID: "t3", Operation: oosync.OpUpdate, ChangedAt: "e"},
		{ID: "6", TableName: "tune", RowID: "t3", Operation: oosync.OpDelete, ChangedAt: "f"},
		{ID: "7", TableName: "tune", RowID: "t4", Operation: oosync.OpDelete, ChangedAt: "g"},
		{ID: "8", TableName: "tune", RowID: "t4", Operation: oosync.OpInsert, ChangedAt: "h"},
		{ID: "9", TableName: "note", RowID: "t1", Operation: oosync.OpUpdate, ChangedAt: "i"},
	}
	got := collapse(entries)
	require.Len(t, got, 5)

	want := []struct {
		table, row, op, id, at string
		ids                    []string
	}{
		{"tune", "t1", oosync.OpInsert, "3", "c", []string{"1", "3"}},
		{"tune", "t2", oosync.OpDelete, "4", "d", []string{"2", "4"}},
		{"tune", "t3", oosync.OpDelete, "6", "f", []string{"5", "6"}},
		{"tune", "t4", oosync.OpInsert, "8", "h", []string{"7", "8"}},
		{"note", "t1", oosync.OpUpdate, "9", "i", []string{"9"}},
	}
	for i, w := range want {
		require.Equal(t, w.table, got[i].TableName)
		require.Equal(t, w.row, got[i].RowID)
		require.Equal(t, w.op, got[i].Operation, "row %s", w.row)
		require.Equal(t, w.id, got[i].ID())
		require.Equal(t, w.at, got[i].ChangedAt)
		require.Equal(t, w.ids, got[i].EntryIDs)
	}
}

func TestOutbox_RetryFailedAndPrune(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := &fakeTransport{handle: func(_ context.Context, req *oosync.SyncRequest) (*oosync.SyncResponse, error) {
		return respond(req, func(ch oosync.OutboxChange) string {
			if ch.TableName == "genre" {
				return oosync.StRejected
			}
			return oosync.StApplied
		}), nil
	}}
	c := newTestClient(t, tr, func(cfg *Config) {
		cfg.Now = func() time.Time { return clock }
	})

	mustExec(t, c.DB, `INSERT INTO tune (id) VALUES ('t1')`)
	mustExec(t, c.DB, `INSERT INTO genre (id, name) VALUES ('irish', 'Irish')`)
	_, err := c.SyncUp(ctx)
	require.NoError(t, err)

	failed, err := c.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "genre", failed[0].TableName)

	n, err := c.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	pending, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	clock = clock.Add(2 * time.Hour)
	pruned, err := c.PruneSynced(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
	require.Len(t, allEntries(t, c.DB), 1)
}
