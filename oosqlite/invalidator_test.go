// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/oosync"
)

// notifyServer accepts one websocket per connection, sends msgs and then waits for the
// client to hang up.
func notifyServer(t *testing.T, msgs ...oosync.Notification) (*httptest.Server, chan string) {
	t.Helper()
	auth := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for _, m := range msgs {
			b, _ := json.Marshal(m)
			if err := conn.Write(r.Context(), websocket.MessageText, b); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func TestNewInvalidator_DerivesEndpoint(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	require.Equal(t, "wss://sync.example.com/api/sync/realtime", NewInvalidator("https://sync.example.com/", nil, c).URL)
	require.Equal(t, "ws://localhost:8080/api/sync/realtime", NewInvalidator("http://localhost:8080", nil, c).URL)
}

func TestInvalidator_Relevant(t *testing.T) {
	inv := &Invalidator{DeviceID: "me", Tables: []string{"tune", "note"}}
	require.Nil(t, inv.relevant(oosync.Notification{DeviceID: "me", Tables: []string{"tune"}}))
	require.Nil(t, inv.relevant(oosync.Notification{DeviceID: "other", Tables: []string{"unknown"}}))
	require.Equal(t, []string{"note"}, inv.relevant(oosync.Notification{DeviceID: "other", Tables: []string{"unknown", "note"}}))
}

func TestInvalidator_ListenFiltersNotifications(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	srv, auth := notifyServer(t,
		oosync.Notification{UserID: "u1", DeviceID: c.DeviceID, Tables: []string{"tune"}},
		oosync.Notification{UserID: "u1", DeviceID: "phone", Tables: []string{"not_synced"}},
		oosync.Notification{UserID: "u1", DeviceID: "phone", Tables: []string{"note"}},
	)
	inv := NewInvalidator(srv.URL, func(context.Context) (string, error) { return "tok", nil }, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := inv.Listen(ctx)

	select {
	case tables := <-ch:
		require.Equal(t, []string{"note"}, tables)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
	}
	require.Equal(t, "Bearer tok", <-auth)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListenInvalidations_TriggersPull(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)
	srv, _ := notifyServer(t, oosync.Notification{UserID: "u1", DeviceID: "phone", Tables: []string{"tune"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ListenInvalidations(ctx, NewInvalidator(srv.URL, nil, c))

	require.Eventually(t, func() bool { return len(tr.pulls()) > 0 }, 5*time.Second, 10*time.Millisecond)
}
