// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/internal/testdb"
	"github.com/tunetrees/oosync/oosqlite"
	"github.com/tunetrees/oosync/oosync"
	"github.com/tunetrees/oosync/synctable"
)

type device struct {
	client *oosqlite.Client
	db     *sql.DB
}

func startServer(t *testing.T) (*httptest.Server, *oosync.JWTAuth) {
	t.Helper()
	pool, schema := testdb.Postgres(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := oosync.NewSyncService(pool, &oosync.ServiceConfig{Schema: schema, DisableNotify: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	j := oosync.NewJWTAuth("e2e-secret")
	srv := httptest.NewServer(oosync.NewRouter(oosync.RouterConfig{
		Handlers: oosync.NewHTTPSyncHandlers(svc, j, logger),
		Auth:     j,
		Logger:   logger,
	}))
	t.Cleanup(srv.Close)
	return srv, j
}

func newDevice(t *testing.T, srv *httptest.Server, j *oosync.JWTAuth, user string) *device {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(testdb.SQLiteDDL)
	require.NoError(t, err)

	deviceID := uuid.NewString()
	token := func(context.Context) (string, error) { return j.GenerateToken(user, deviceID, time.Hour) }
	cfg := oosqlite.DefaultConfig(synctable.Default(), 1)
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.PageSize = 2

	c, err := oosqlite.NewClient(context.Background(), db, oosqlite.NewHTTPTransport(srv.URL, token), cfg)
	require.NoError(t, err)
	return &device{client: c, db: db}
}

func (d *device) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := d.db.Exec(query, args...)
	require.NoError(t, err)
}

func (d *device) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, d.client.Sync(context.Background()))
	n, err := d.client.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEndToEnd_TwoDevices(t *testing.T) {
	srv, j := startServer(t)
	user := "user-" + uuid.NewString()
	phone := newDevice(t, srv, j, user)
	laptop := newDevice(t, srv, j, user)

	phone.exec(t, `INSERT INTO playlist (playlist_id, name) VALUES ('p1', 'Session')`)
	phone.exec(t, `INSERT INTO tune (id, title, private_for) VALUES ('t1', 'The Kesh', ?)`, user)
	phone.exec(t, `INSERT INTO playlist_tune (playlist_ref, tune_ref) VALUES ('p1', 't1')`)
	phone.exec(t, `INSERT INTO note (id, tune_ref, note_text, favorite) VALUES ('n1', 't1', 'lift the B part', 1)`)
	phone.exec(t, `INSERT INTO tag (id, tune_ref, tag_text) VALUES ('g1', 't1', 'jig')`)
	phone.sync(t)

	laptop.sync(t)
	var text string
	var favorite int
	require.NoError(t, laptop.db.QueryRow(`SELECT note_text, favorite FROM note WHERE id = 'n1'`).Scan(&text, &favorite))
	require.Equal(t, "lift the B part", text)
	require.Equal(t, 1, favorite)

	var owner string
	require.NoError(t, laptop.db.QueryRow(`SELECT user_ref FROM playlist WHERE playlist_id = 'p1'`).Scan(&owner))
	require.Equal(t, user, owner)
	var links int
	require.NoError(t, laptop.db.QueryRow(`SELECT COUNT(*) FROM playlist_tune`).Scan(&links))
	require.Equal(t, 1, links)

	// pulled rows were applied without being captured
	laptopPending, err := laptop.client.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, laptopPending)

	// edit on the laptop, soft delete and hard delete on the phone
	laptop.exec(t, `UPDATE note SET note_text = 'lift the B part gently' WHERE id = 'n1'`)
	laptop.sync(t)
	phone.exec(t, `DELETE FROM tag WHERE id = 'g1'`)
	phone.exec(t, `UPDATE tune SET deleted = 1 WHERE id = 't1'`)
	phone.sync(t)
	laptop.sync(t)

	require.NoError(t, phone.db.QueryRow(`SELECT note_text FROM note WHERE id = 'n1'`).Scan(&text))
	require.Equal(t, "lift the B part gently", text)

	var tags int
	require.NoError(t, laptop.db.QueryRow(`SELECT COUNT(*) FROM tag`).Scan(&tags))
	require.Zero(t, tags)
	var deleted int
	require.NoError(t, laptop.db.QueryRow(`SELECT deleted FROM tune WHERE id = 't1'`).Scan(&deleted))
	require.Equal(t, 1, deleted)
}

func TestEndToEnd_OfflineEditsConverge(t *testing.T) {
	srv, j := startServer(t)
	user := "user-" + uuid.NewString()
	phone := newDevice(t, srv, j, user)
	laptop := newDevice(t, srv, j, user)

	phone.exec(t, `INSERT INTO note (id, note_text) VALUES ('n1', 'v1')`)
	phone.sync(t)
	laptop.sync(t)

	phone.client.SetOnline(false)
	phone.exec(t, `UPDATE note SET note_text = 'offline edit' WHERE id = 'n1'`)
	require.ErrorIs(t, phone.client.Sync(context.Background()), oosqlite.ErrOffline)

	// the later edit wins once both devices are back
	time.Sleep(5 * time.Millisecond)
	laptop.exec(t, `UPDATE note SET note_text = 'laptop edit' WHERE id = 'n1'`)
	laptop.sync(t)

	phone.client.SetOnline(true)
	phone.sync(t)
	laptop.sync(t)

	var a, b string
	require.NoError(t, phone.db.QueryRow(`SELECT note_text FROM note WHERE id = 'n1'`).Scan(&a))
	require.NoError(t, laptop.db.QueryRow(`SELECT note_text FROM note WHERE id = 'n1'`).Scan(&b))
	require.Equal(t, "laptop edit", a)
	require.Equal(t, a, b)
}

func TestEndToEnd_LateOfflineEditReachesSyncedDevice(t *testing.T) {
	srv, j := startServer(t)
	user := "user-" + uuid.NewString()
	phone := newDevice(t, srv, j, user)
	laptop := newDevice(t, srv, j, user)

	phone.exec(t, `INSERT INTO note (id, note_text) VALUES ('n1', 'v1')`)
	phone.sync(t)
	laptop.sync(t)

	// edited while offline; the edit time is older than the laptop's next sync
	phone.client.SetOnline(false)
	time.Sleep(5 * time.Millisecond)
	phone.exec(t, `UPDATE note SET note_text = 'edited on the train', last_modified_at = ? WHERE id = 'n1'`,
		synctable.FormatTimestamp(time.Now()))
	require.ErrorIs(t, phone.client.Sync(context.Background()), oosqlite.ErrOffline)

	time.Sleep(10 * time.Millisecond)
	laptop.sync(t)

	phone.client.SetOnline(true)
	phone.sync(t)
	laptop.sync(t)

	var text string
	require.NoError(t, laptop.db.QueryRow(`SELECT note_text FROM note WHERE id = 'n1'`).Scan(&text))
	require.Equal(t, "edited on the train", text)
}
