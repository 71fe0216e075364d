// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tunetrees/oosync/oosync"
)

// Status is a snapshot for the "pending changes could not sync" indicator.
type Status struct {
	Online     bool
	Syncing    bool
	Pending    int
	Failed     int
	LastSyncAt string
	LastError  string
}

// SyncUp pushes retryable outbox entries.
func (c *Client) SyncUp(ctx context.Context) (int, error) {
	var pushed int
	err := c.cycle(ctx, "push", func(ctx context.Context) error {
		var err error
		pushed, err = c.pushAll(ctx)
		return err
	})
	return pushed, err
}

// SyncDown pulls every remaining page, pushing first when local changes are waiting.
func (c *Client) SyncDown(ctx context.Context) (int, error) {
	var applied int
	err := c.cycle(ctx, "pull", func(ctx context.Context) error {
		var err error
		applied, err = c.pullAll(ctx)
		return err
	})
	return applied, err
}

// Sync runs SyncUp then SyncDown while holding the gate for both.
func (c *Client) Sync(ctx context.Context) error {
	return c.cycle(ctx, "sync", func(ctx context.Context) error {
		if _, err := c.pushAll(ctx); err != nil {
			return err
		}
		_, err := c.pullAll(ctx)
		return err
	})
}

// cycle runs fn under the gate with a context that SetOnline(false) cancels.
func (c *Client) cycle(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !c.online.Load() {
		return ErrOffline
	}
	if !c.gate.TryAcquire(1) {
		return ErrSyncInProgress
	}
	defer c.gate.Release(1)

	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelCycle = cancel
	c.denied = nil
	c.mu.Unlock()
	c.syncing.Store(true)
	defer func() {
		c.syncing.Store(false)
		c.mu.Lock()
		c.cancelCycle = nil
		c.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	err := fn(cctx)
	if err != nil && !c.online.Load() && errors.Is(err, context.Canceled) {
		err = ErrOffline
	}

	c.mu.Lock()
	c.lastError = err
	if err == nil && c.denied != nil {
		c.lastError = c.denied
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("Sync cycle failed", "cycle", name, "error", err, "duration", time.Since(start))
	} else {
		c.logger.Debug("Sync cycle finished", "cycle", name, "duration", time.Since(start))
	}
	return err
}

// noteDenied records server rejections of the current cycle. They do not fail the cycle.
func (c *Client) noteDenied(err error) {
	c.mu.Lock()
	c.denied = err
	c.mu.Unlock()
}

// SetOnline flips connectivity. Going offline cancels the in-flight cycle; coming back online
// wakes AutoSync for an immediate cycle.
func (c *Client) SetOnline(online bool) {
	was := c.online.Swap(online)
	if was == online {
		return
	}
	if !online {
		c.mu.Lock()
		if c.cancelCycle != nil {
			c.cancelCycle()
		}
		c.mu.Unlock()
		c.logger.Info("Client offline")
		return
	}
	c.logger.Info("Client online")
	c.Trigger()
}

// Online reports the connectivity flag.
func (c *Client) Online() bool {
	return c.online.Load()
}

// Trigger asks AutoSync to run a full cycle as soon as possible.
func (c *Client) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// AutoSync runs until ctx is done: SyncUp every UpInterval when changes are pending, SyncDown
// every DownInterval, and a full Sync whenever Trigger is called. Nothing runs while offline.
func (c *Client) AutoSync(ctx context.Context) {
	up := time.NewTicker(c.config.UpInterval)
	defer up.Stop()
	down := time.NewTicker(c.config.DownInterval)
	defer down.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-up.C:
			if !c.online.Load() {
				continue
			}
			n, err := c.PendingCount(ctx)
			if err != nil {
				c.logger.Error("Failed to count pending changes", "error", err)
				continue
			}
			if n > 0 {
				c.autoRun(ctx, "push", func() error { _, err := c.SyncUp(ctx); return err })
			}
		case <-down.C:
			if c.online.Load() {
				c.autoRun(ctx, "pull", func() error { _, err := c.SyncDown(ctx); return err })
			}
		case <-c.wake:
			if c.online.Load() {
				c.autoRun(ctx, "sync", func() error { return c.Sync(ctx) })
			}
		}
	}
}

func (c *Client) autoRun(ctx context.Context, name string, fn func() error) {
	err := fn()
	switch {
	case err == nil, errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrOffline), ctx.Err() != nil:
	default:
		c.logger.Debug("Auto sync step failed", "step", name, "error", err)
	}
}

// SyncStatus reports connectivity, outbox counts and the outcome of the last cycle.
func (c *Client) SyncStatus(ctx context.Context) (Status, error) {
	st := Status{Online: c.online.Load(), Syncing: c.syncing.Load()}
	var err error
	if st.Pending, err = c.retryableCount(ctx); err != nil {
		return st, err
	}
	if err := c.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE status = 'failed' AND attempts >= ?`,
		c.config.MaxAttempts).Scan(&st.Failed); err != nil {
		return st, err
	}
	if _, st.LastSyncAt, err = loadCursor(ctx, c.DB); err != nil {
		return st, err
	}
	c.mu.Lock()
	if c.lastError != nil {
		st.LastError = c.lastError.Error()
	}
	c.mu.Unlock()
	return st, nil
}

// send performs one request with the network retry policy: Network errors back off
// exponentially up to MaxRetries times; an Auth error refreshes the token once.
func (c *Client) send(ctx context.Context, op string, req *oosync.SyncRequest) (*oosync.SyncResponse, error) {
	refreshed := false
	for attempt := 0; ; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		resp, err := c.Transport.Sync(rctx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		se := &SyncError{Kind: KindOf(err), Op: op, Err: err}
		var tse *SyncError
		if errors.As(err, &tse) {
			se.Status, se.Err = tse.Status, tse.Err
		}

		switch {
		case se.Kind == KindAuth && !refreshed && c.RefreshToken != nil:
			refreshed = true
			if rerr := c.RefreshToken(ctx); rerr != nil {
				return nil, &SyncError{Kind: KindAuth, Op: op, Status: se.Status, Err: fmt.Errorf("token refresh failed: %w", rerr)}
			}
			c.logger.Info("Token refreshed after auth failure", "op", op)
			attempt--
			continue
		case se.Kind == KindNetwork && attempt < c.config.MaxRetries:
			d := c.backoff(attempt)
			c.logger.Debug("Retrying sync request", "op", op, "attempt", attempt+1, "delay", d, "error", se.Err)
			if err := sleepCtx(ctx, d); err != nil {
				return nil, err
			}
			continue
		}
		return nil, se
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BackoffMin
	for i := 0; i < attempt && d < c.config.BackoffMax; i++ {
		d *= 2
	}
	return min(d, c.config.BackoffMax)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
