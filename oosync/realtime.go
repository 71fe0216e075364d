// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
	listenBackoffMin = 500 * time.Millisecond
	listenBackoffMax = 30 * time.Second
)

type subscriber struct {
	userID   string
	deviceID string
	send     chan []byte
}

// Hub LISTENs on NotifyChannel and fans notifications out to websocket subscribers
// of the same user. Slow subscribers drop messages rather than block the hub.
//
// Only the pushing user's devices are told. A change to a shared or public row reaches
// other users on their next polling pull.
type Hub struct {
	pool   *pgxpool.Pool
	auth   ClientAuthenticator
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates a hub. pool may be nil when notifications are published in-process.
func NewHub(pool *pgxpool.Pool, authenticator ClientAuthenticator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		pool:   pool,
		auth:   authenticator,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run holds a dedicated connection listening on NotifyChannel until ctx is done,
// reconnecting with backoff on failure.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	if h.pool == nil {
		<-ctx.Done()
		return nil
	}

	backoff := listenBackoffMin
	for {
		err := h.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		h.logger.Warn("Notification listener stopped; reconnecting", "error", err, "backoff", backoff)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil
		}
		backoff = min(backoff*2, listenBackoffMax)
	}
}

func (h *Hub) listen(ctx context.Context) error {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer func() {
		// The connection returns to the pool; drop the subscription first.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
	}()
	h.logger.Debug("Listening for sync notifications", "channel", NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg Notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			h.logger.Warn("Dropping malformed notification", "error", err)
			continue
		}
		h.Publish(msg)
	}
}

// Publish forwards a notification to every subscriber of msg.UserID.
func (h *Hub) Publish(msg Notification) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.userID != msg.UserID {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.logger.Debug("Realtime subscriber is slow; dropping notification", "user_id", s.userID, "device_id", s.deviceID)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
}

// HandleRealtime upgrades GET /api/sync/realtime to a websocket carrying Notification
// JSON messages. The connection is write-only from the server side.
func (h *Hub) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.GetUserID(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	deviceID, err := h.auth.GetSourceID(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	s := &subscriber{userID: userID, deviceID: deviceID, send: make(chan []byte, subscriberBuffer)}
	if !h.add(s) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(s)
	h.logger.Debug("Realtime subscriber connected", "user_id", userID, "device_id", deviceID)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("Realtime write failed", "error", err, "user_id", userID)
				}
				return
			}
		}
	}
}
