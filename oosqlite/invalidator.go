// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tunetrees/oosync/oosync"
)

// Invalidator listens on the server's realtime endpoint and reports which registered tables
// another device changed. Notifications are hints only; the pull cursor stays authoritative.
type Invalidator struct {
	URL        string // ws:// or wss:// endpoint
	Token      TokenFunc
	DeviceID   string
	Tables     []string
	BackoffMin time.Duration
	BackoffMax time.Duration
	logger     *slog.Logger
}

// NewInvalidator derives the realtime endpoint from the sync server base URL.
func NewInvalidator(baseURL string, token TokenFunc, c *Client) *Invalidator {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &Invalidator{
		URL:        u + "/api/sync/realtime",
		Token:      token,
		DeviceID:   c.DeviceID,
		Tables:     c.registry.Names(),
		BackoffMin: c.config.BackoffMin,
		BackoffMax: c.config.BackoffMax,
		logger:     c.logger.With("component", "invalidator"),
	}
}

// Listen connects in the background and returns a channel of changed table sets. The channel
// is closed when ctx is done. Connection failures are logged and retried with backoff.
func (inv *Invalidator) Listen(ctx context.Context) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		delay := inv.BackoffMin
		for ctx.Err() == nil {
			connected, err := inv.session(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if connected {
				delay = inv.BackoffMin
			}
			inv.logger.Warn("Realtime connection lost", "error", err, "retry_in", delay)
			if sleepCtx(ctx, delay) != nil {
				return
			}
			delay = min(delay*2, inv.BackoffMax)
		}
	}()
	return out
}

// session holds one websocket connection until it fails.
func (inv *Invalidator) session(ctx context.Context, out chan<- []string) (bool, error) {
	header := http.Header{}
	if inv.Token != nil {
		token, err := inv.Token(ctx)
		if err != nil {
			return false, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, inv.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	inv.logger.Info("Realtime connected", "url", inv.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = errors.New("closed by server")
			}
			return true, err
		}
		var n oosync.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			inv.logger.Debug("Ignoring malformed notification", "error", err)
			continue
		}
		tables := inv.relevant(n)
		if len(tables) == 0 {
			continue
		}
		// coalesce: one queued signal is enough to trigger a pull
		select {
		case out <- tables:
		default:
		}
	}
}

// relevant filters out this device's own pushes and tables it does not sync.
func (inv *Invalidator) relevant(n oosync.Notification) []string {
	if n.DeviceID != "" && n.DeviceID == inv.DeviceID {
		return nil
	}
	var tables []string
	for _, t := range n.Tables {
		if slices.Contains(inv.Tables, strings.ToLower(t)) {
			tables = append(tables, t)
		}
	}
	return tables
}

// ListenInvalidations pulls whenever inv reports a change from another device, until ctx
// is done. A pull that collides with a running cycle is queued through Trigger.
func (c *Client) ListenInvalidations(ctx context.Context, inv *Invalidator) {
	for tables := range inv.Listen(ctx) {
		c.logger.Debug("Remote change notification", "tables", tables)
		_, err := c.SyncDown(ctx)
		switch {
		case err == nil, errors.Is(err, ErrOffline), ctx.Err() != nil:
		case errors.Is(err, ErrSyncInProgress):
			c.Trigger()
		default:
			c.logger.Warn("Pull after notification failed", "error", err)
		}
	}
}
