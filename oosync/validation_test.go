// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/synctable"
)

var testNow = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg *ServiceConfig) *SyncService {
	t.Helper()
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	svc, err := newService(cfg, nil)
	require.NoError(t, err)
	return svc
}

func TestPrepareChange_Upsert(t *testing.T) {
	svc := newTestService(t, nil)
	ch := &OutboxChange{
		ID:        "e1",
		TableName: "Note",
		RowID:     "n1",
		Operation: "insert",
		Data:      json.RawMessage(`{"ID":"n1","note_text":"hello","public":1,"favorite":0}`),
	}

	pc, res := svc.prepareChange(ch, "u1", testNow)
	require.Nil(t, res)
	require.Equal(t, "note", ch.TableName)
	require.Equal(t, OpInsert, ch.Operation)
	require.Equal(t, true, pc.row["public"])
	require.Equal(t, false, pc.row["favorite"])
	require.Equal(t, "u1", pc.row["user_ref"])
	require.Equal(t, false, pc.row["deleted"])
	require.Equal(t, synctable.FormatTimestamp(testNow), pc.row["last_modified_at"])
	require.Equal(t, "n1", pc.row["id"])
}

func TestPrepareChange_DropsServerChangeColumn(t *testing.T) {
	svc := newTestService(t, nil)
	ch := &OutboxChange{
		TableName: "note",
		RowID:     "n1",
		Operation: OpUpdate,
		Data:      json.RawMessage(`{"note_text":"x","oosync_changed_at":"1999-01-01T00:00:00Z"}`),
	}
	pc, res := svc.prepareChange(ch, "u1", testNow)
	require.Nil(t, res)
	require.NotContains(t, pc.row, ChangedAtColumn)
}

func TestPrepareChange_CompositeKeyFillsColumns(t *testing.T) {
	svc := newTestService(t, nil)
	ch := &OutboxChange{
		TableName: "playlist_tune",
		RowID:     `{"playlist_ref":"p1","tune_ref":"t1"}`,
		Operation: OpUpdate,
		Data:      json.RawMessage(`{"current":"2025-04-01 08:00:00"}`),
	}
	pc, res := svc.prepareChange(ch, "u1", testNow)
	require.Nil(t, res)
	require.Equal(t, "p1", pc.row["playlist_ref"])
	require.Equal(t, "t1", pc.row["tune_ref"])
	require.Equal(t, "2025-04-01T08:00:00.000000Z", pc.row["current"])
}

func TestPrepareChange_Rejections(t *testing.T) {
	svc := newTestService(t, &ServiceConfig{MaxPayloadBytes: 64})

	tests := []struct {
		name   string
		ch     OutboxChange
		status string
		reason string
	}{
		{
			name:   "unregistered table",
			ch:     OutboxChange{TableName: "secrets", RowID: "x", Operation: OpInsert, Data: json.RawMessage(`{}`)},
			status: StInvalid, reason: ReasonUnregisteredTable,
		},
		{
			name:   "bad operation",
			ch:     OutboxChange{TableName: "note", RowID: "x", Operation: "MERGE"},
			status: StInvalid, reason: ReasonBadPayload,
		},
		{
			name:   "composite key as raw value",
			ch:     OutboxChange{TableName: "playlist_tune", RowID: "p1", Operation: OpDelete},
			status: StInvalid, reason: ReasonBadKey,
		},
		{
			name:   "deny delete",
			ch:     OutboxChange{TableName: "practice_record", RowID: "pr1", Operation: OpDelete},
			status: StRejected, reason: ReasonDeny,
		},
		{
			name:   "write to read-only catalog",
			ch:     OutboxChange{TableName: "genre", RowID: "irish", Operation: OpInsert, Data: json.RawMessage(`{"name":"Irish"}`)},
			status: StRejected, reason: ReasonForbidden,
		},
		{
			name:   "delete from read-only catalog",
			ch:     OutboxChange{TableName: "genre", RowID: "irish", Operation: OpDelete},
			status: StRejected, reason: ReasonDeny,
		},
		{
			name:   "missing data",
			ch:     OutboxChange{TableName: "note", RowID: "n1", Operation: OpInsert},
			status: StInvalid, reason: ReasonBadPayload,
		},
		{
			name:   "data not an object",
			ch:     OutboxChange{TableName: "note", RowID: "n1", Operation: OpInsert, Data: json.RawMessage(`[1,2]`)},
			status: StInvalid, reason: ReasonBadPayload,
		},
		{
			name:   "payload too large",
			ch:     OutboxChange{TableName: "note", RowID: "n1", Operation: OpInsert, Data: json.RawMessage(`{"note_text":"` + strings.Repeat("x", 80) + `"}`)},
			status: StInvalid, reason: ReasonBadPayload,
		},
		{
			name:   "key mismatch",
			ch:     OutboxChange{TableName: "note", RowID: "n1", Operation: OpUpdate, Data: json.RawMessage(`{"id":"n2"}`)},
			status: StInvalid, reason: ReasonBadKey,
		},
		{
			name:   "non-numeric retention",
			ch:     OutboxChange{TableName: "prefs_spaced_repetition", RowID: `{"alg_type":"FSRS","user_id":"u1"}`, Operation: OpUpdate, Data: json.RawMessage(`{"request_retention":"lots"}`)},
			status: StInvalid, reason: ReasonBadPayload,
		},
		{
			name:   "bad column name",
			ch:     OutboxChange{TableName: "note", RowID: "n1", Operation: OpUpdate, Data: json.RawMessage(`{"note text":"x"}`)},
			status: StInvalid, reason: ReasonBadPayload,
		},
		{
			name:   "bad delete timestamp",
			ch:     OutboxChange{TableName: "note", RowID: "n1", Operation: OpDelete, ChangedAt: "yesterday"},
			status: StInvalid, reason: ReasonBadPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := tt.ch
			pc, res := svc.prepareChange(&ch, "u1", testNow)
			require.Nil(t, pc)
			require.NotNil(t, res)
			require.Equal(t, tt.status, res.Status)
			require.Equal(t, tt.reason, res.Reason)
			require.NotEmpty(t, res.Message)
		})
	}
}

func TestPrepareChange_DeleteTimestamp(t *testing.T) {
	svc := newTestService(t, nil)

	ch := &OutboxChange{TableName: "note", RowID: "n1", Operation: OpDelete, ChangedAt: "2025-04-30T09:00:00Z"}
	pc, res := svc.prepareChange(ch, "u1", testNow)
	require.Nil(t, res)
	require.Nil(t, pc.row)
	require.Equal(t, time.Date(2025, 4, 30, 9, 0, 0, 0, time.UTC), pc.at)

	ch = &OutboxChange{TableName: "note", RowID: "n1", Operation: OpDelete}
	pc, res = svc.prepareChange(ch, "u1", testNow)
	require.Nil(t, res)
	require.Equal(t, testNow, pc.at)
}

func TestPrepareChange_DropsUnknownColumns(t *testing.T) {
	svc := newTestService(t, nil)
	svc.columns = columnCatalog{"note": {"id": true, "note_text": true, "last_modified_at": true, "deleted": true, "user_ref": true}}

	ch := &OutboxChange{TableName: "note", RowID: "n1", Operation: OpInsert, Data: json.RawMessage(`{"note_text":"x","client_only":1}`)}
	pc, res := svc.prepareChange(ch, "u1", testNow)
	require.Nil(t, res)
	require.NotContains(t, pc.row, "client_only")
	require.NotContains(t, pc.row, "public")
	require.Equal(t, "x", pc.row["note_text"])
}
