// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/synctable"
)

func TestCursor_EncodeDecode(t *testing.T) {
	c := pullCursor{
		Since: "2025-01-01T00:00:00.000000Z",
		Until: "2025-01-02T00:00:00.000000Z",
		Table: "note",
		Phase: phaseRows,
		TS:    "2025-01-01T12:00:00.000000Z",
		Key:   []string{"n1"},
	}
	got, err := decodeCursor(c.encode())
	require.NoError(t, err)
	require.Equal(t, c, got)
	require.True(t, got.inWalk())

	empty, err := decodeCursor("")
	require.NoError(t, err)
	require.False(t, empty.inWalk())
}

func TestCursor_DecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		pullCursor{Table: "note"}.encode(),
		pullCursor{Table: "note", Until: "x", Phase: "sideways"}.encode(),
	} {
		_, err := decodeCursor(s)
		require.ErrorIs(t, err, ErrBadPayload, s)
	}
}

func TestStartWalk(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := newService(&ServiceConfig{CommitLag: 2 * time.Second}, nil)
	require.NoError(t, err)
	tables := svc.registry.Tables()

	t.Run("fresh walk freezes upper bound", func(t *testing.T) {
		cur := pullCursor{}
		idx := svc.startWalk(&cur, tables, now)
		require.Equal(t, 0, idx)
		require.Equal(t, tables[0].Name, cur.Table)
		require.Equal(t, phaseRows, cur.Phase)
		require.Equal(t, synctable.FormatTimestamp(now.Add(-2*time.Second)), cur.Until)
		require.Empty(t, cur.Since)
	})

	t.Run("until never precedes since", func(t *testing.T) {
		future := synctable.FormatTimestamp(now.Add(time.Hour))
		cur := pullCursor{Since: future}
		svc.startWalk(&cur, tables, now)
		require.Equal(t, future, cur.Until)
	})

	t.Run("resumes at cursor table", func(t *testing.T) {
		cur := pullCursor{Until: "u", Table: "note", Phase: phaseRows, Key: []string{"n1"}}
		idx := svc.startWalk(&cur, tables, now)
		require.Equal(t, "note", tables[idx].Name)
		require.Equal(t, []string{"n1"}, cur.Key)
	})

	t.Run("restarts when table left the selection", func(t *testing.T) {
		sel, err := svc.registry.Select([]string{"tag"})
		require.NoError(t, err)
		cur := pullCursor{Since: "s", Until: "u", Table: "note", Phase: phaseTombstones, Tomb: 9}
		idx := svc.startWalk(&cur, sel, now)
		require.Equal(t, 0, idx)
		require.Equal(t, pullCursor{Since: "s", Until: "u", Table: "tag", Phase: phaseRows}, cur)
	})
}

func TestCursor_RowsSinceOnRescan(t *testing.T) {
	note, playlistTune := mustTable(t, "note"), mustTable(t, "playlist_tune")
	cur := pullCursor{Since: "2025-01-01T00:00:00.000000Z"}
	require.Equal(t, cur.Since, cur.rowsSince(note))
	require.Equal(t, cur.Since, cur.rowsSince(playlistTune))

	cur.Rescan = true
	require.Equal(t, cur.Since, cur.rowsSince(note))
	require.Empty(t, cur.rowsSince(playlistTune))
}

func TestPullScope_Fingerprint(t *testing.T) {
	empty := &pullScope{userID: "u1", collections: map[string][]string{}}
	require.Empty(t, empty.fingerprint())

	a := &pullScope{collections: map[string][]string{
		synctable.CollectionPlaylists: {"p1", "p2"},
		synctable.CollectionGenres:    {"irish"},
	}}
	b := &pullScope{collections: map[string][]string{
		synctable.CollectionGenres:    {"irish"},
		synctable.CollectionPlaylists: {"p2", "p1"},
	}}
	require.NotEmpty(t, a.fingerprint())
	require.Equal(t, a.fingerprint(), b.fingerprint())

	b.collections[synctable.CollectionGenres] = []string{"irish", "scottish"}
	require.NotEqual(t, a.fingerprint(), b.fingerprint())
}

func TestNarrowCollections(t *testing.T) {
	computed := map[string][]string{
		synctable.CollectionPlaylists: {"p1", "p2"},
		synctable.CollectionGenres:    {"irish", "scottish"},
	}

	out := narrowCollections(computed, nil, nil)
	require.Equal(t, computed, out)

	// overrides can only narrow
	out = narrowCollections(computed, map[string][]string{
		synctable.CollectionPlaylists: {"p2", "someone-elses"},
		"unknown":                     {"x"},
	}, []string{"irish", "bluegrass"})
	require.Equal(t, []string{"p2"}, out[synctable.CollectionPlaylists])
	require.Equal(t, []string{"irish"}, out[synctable.CollectionGenres])
	require.NotContains(t, out, "unknown")

	out = narrowCollections(computed, nil, []string{})
	require.Equal(t, []string{}, out[synctable.CollectionGenres])
}

func TestIsDeletedRow(t *testing.T) {
	note := mustTable(t, "note")
	require.True(t, isDeletedRow(note, []byte(`{"id":"n1","deleted":true}`)))
	require.False(t, isDeletedRow(note, []byte(`{"id":"n1","deleted":false}`)))
	require.False(t, isDeletedRow(note, []byte(`{"id":"n1"}`)))

	tag := mustTable(t, "tag")
	require.False(t, isDeletedRow(tag, []byte(`{"id":"t1","deleted":true}`)))
}
