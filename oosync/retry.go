// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// maxTxAttempts bounds whole-transaction retries on serialization failures.
const maxTxAttempts = 4

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// isItemPGError reports errors caused by the data of a single change. These become an
// invalid result for that change instead of failing the batch.
func isItemPGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	code := pgErr.SQLState()
	if len(code) != 5 {
		return false
	}
	switch code[:2] {
	case "22", // data_exception
		"23": // integrity_constraint_violation
		return true
	}
	switch code {
	case "42703", // undefined_column
		"42804": // datatype_mismatch
		return true
	}
	return false
}

// txBackoff returns the sleep before retry attempt n (1-based).
func txBackoff(n int) time.Duration {
	d := 25 * time.Millisecond << (n - 1)
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
