// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tunetrees/oosync/synctable"
)

// processPush applies a batch in one REPEATABLE READ transaction, one SAVEPOINT per change.
// Serialization failures retry the whole transaction; per-change failures become results.
func (s *SyncService) processPush(ctx context.Context, userID, deviceID string, changes []OutboxChange, now time.Time) ([]ChangeResult, error) {
	prepared := make([]*preparedChange, len(changes))
	early := make([]*ChangeResult, len(changes))
	for i := range changes {
		pc, res := s.prepareChange(&changes[i], userID, now)
		if res != nil {
			s.logger.Warn("Push change not applied",
				"user_id", userID,
				"device_id", deviceID,
				"table", changes[i].TableName,
				"row_id", changes[i].RowID,
				"op", changes[i].Operation,
				"status", res.Status,
				"reason", res.Reason,
				"message", res.Message,
			)
		}
		prepared[i], early[i] = pc, res
	}

	s.logger.Info("Processing push batch", "count", len(changes), "user_id", userID, "device_id", deviceID)

	var results []ChangeResult
	for attempt := 1; ; attempt++ {
		done := s.timeStage(ctx, StagePushTx, attempt)
		var err error
		results, err = s.pushOnce(ctx, userID, deviceID, prepared, early, now)
		done(len(changes), err)
		if err == nil {
			break
		}
		if !isRetryablePGTxError(err) || attempt >= maxTxAttempts {
			return nil, fmt.Errorf("failed to process push transaction: %w", err)
		}
		s.logger.Warn("Retrying push transaction", "attempt", attempt, "error", err, "user_id", userID)
		if err := sleepWithContext(ctx, txBackoff(attempt)); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *SyncService) pushOnce(
	ctx context.Context,
	userID, deviceID string,
	prepared []*preparedChange,
	early []*ChangeResult,
	now time.Time,
) ([]ChangeResult, error) {
	results := make([]ChangeResult, len(prepared))
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		// Optional: bound lock wait times during stress
		_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")

		var touched []string
		for i, pc := range prepared {
			if early[i] != nil {
				results[i] = *early[i]
				continue
			}
			res, err := s.applyWithSavepoint(ctx, tx, i, userID, pc)
			if err != nil {
				return err
			}
			results[i] = res
			if res.Status == StApplied && !slices.Contains(touched, pc.table.Name) {
				touched = append(touched, pc.table.Name)
			}
		}

		if len(touched) > 0 && !s.config.DisableNotify {
			// delivered by PostgreSQL only when this transaction commits
			payload, _ := json.Marshal(Notification{
				UserID:   userID,
				DeviceID: deviceID,
				Tables:   touched,
				At:       synctable.FormatTimestamp(now),
			})
			if _, err := tx.Exec(ctx, `SELECT pg_notify(@channel, @payload)`,
				pgx.NamedArgs{"channel": NotifyChannel, "payload": string(payload)}); err != nil {
				return fmt.Errorf("failed to notify: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// applyWithSavepoint isolates one change. Only transaction-level failures are returned as
// errors; everything else is reported in the result.
func (s *SyncService) applyWithSavepoint(ctx context.Context, tx pgx.Tx, idx int, userID string, pc *preparedChange) (ChangeResult, error) {
	sp := pgx.Identifier{fmt.Sprintf("sp_%d", idx)}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return ChangeResult{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	res, err := s.applyPrepared(ctx, tx, userID, pc)
	if err != nil {
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
		if isRetryablePGTxError(err) || ctx.Err() != nil {
			return ChangeResult{}, err
		}
		s.logger.Error("Failed to apply change",
			"error", err,
			"table", pc.table.Name,
			"row_id", pc.change.RowID,
			"op", pc.change.Operation,
		)
		if isItemPGError(err) {
			return statusInvalid(pc.change, ReasonConstraint, err), nil
		}
		return statusInternalError(pc.change, err), nil
	}

	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return ChangeResult{}, fmt.Errorf("failed to release savepoint: %w", err)
	}
	s.logger.Debug("Change applied", "table", pc.table.Name, "row_id", pc.change.RowID, "status", res.Status)
	return res, nil
}

func (s *SyncService) applyPrepared(ctx context.Context, tx pgx.Tx, userID string, pc *preparedChange) (ChangeResult, error) {
	guard, err := s.writeGuard(pc.table, "t")
	if err != nil {
		return ChangeResult{}, err
	}
	if pc.change.Operation != OpDelete {
		return s.applyUpsert(ctx, tx, userID, pc, guard)
	}
	switch pc.table.Delete {
	case synctable.DeleteSoft:
		return s.applySoftDelete(ctx, tx, userID, pc, guard)
	case synctable.DeleteHard:
		return s.applyHardDelete(ctx, tx, userID, pc, guard)
	default:
		return statusDenied(pc.change), nil
	}
}

// writeGuard renders the table's write rule as a predicate over alias. It needs @user_id.
func (s *SyncService) writeGuard(t *synctable.Table, alias string) (string, error) {
	rule := synctable.WriteRule(t.Visibility)
	if rule == nil {
		return "", fmt.Errorf("%w: table %s is read-only", ErrForbidden, t.Name)
	}
	b := &filterBuilder{schema: s.config.Schema, alias: alias}
	return b.writeClause(rule, s.collections)
}

// applyUpsert writes an INSERT or UPDATE. The incoming row must fall inside the caller's write
// scope, and so must the stored row it replaces. A stored row with the same primary key is
// updated in place, unique-key columns included; otherwise the row is inserted, merging into a
// row that already holds its conflict target.
func (s *SyncService) applyUpsert(ctx context.Context, tx pgx.Tx, userID string, pc *preparedChange, guard string) (ChangeResult, error) {
	cols := make([]string, 0, len(pc.row))
	for c := range pc.row {
		cols = append(cols, c)
	}
	slices.Sort(cols)

	rowJSON, err := json.Marshal(pc.row)
	if err != nil {
		return statusInvalid(pc.change, ReasonBadPayload, err), nil
	}
	args := pgx.NamedArgs{"row": string(rowJSON), "user_id": userID}

	incoming, err := s.writeGuard(pc.table, "r")
	if err != nil {
		return ChangeResult{}, err
	}
	var allowed bool
	if err := tx.QueryRow(ctx, buildIncomingGuardSQL(s.config.Schema, pc.table, incoming), args).Scan(&allowed); err != nil {
		return ChangeResult{}, err
	}
	if !allowed {
		return s.forbidden(pc, userID), nil
	}

	exists, allowed, err := s.lookupStored(ctx, tx, userID, pc, guard)
	if err != nil {
		return ChangeResult{}, err
	}
	if exists && !allowed {
		return s.forbidden(pc, userID), nil
	}

	q := buildUpsertSQL(s.config.Schema, pc.table, cols, guard)
	if exists {
		var keyArgs pgx.NamedArgs
		q, keyArgs = buildUpdateSQL(s.config.Schema, pc.table, cols, pc.key)
		maps.Copy(args, keyArgs)
	}

	var stored []byte
	err = tx.QueryRow(ctx, q, args).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Info("Push conflict, stored row kept", "table", pc.table.Name, "row_id", pc.change.RowID)
		return statusConflict(pc.change), nil
	}
	if err != nil {
		return ChangeResult{}, err
	}

	if pc.table.Delete == synctable.DeleteHard {
		// a re-created row must not be deleted again by its old tombstone
		if _, err := tx.Exec(ctx, stmtClearTombstone, pgx.NamedArgs{
			"schema":     s.config.Schema,
			"table_name": pc.table.Name,
			"row_id":     pc.key.Encode(),
		}); err != nil {
			return ChangeResult{}, err
		}
	}
	return statusApplied(pc.change), nil
}

// lookupStored reports whether a row with the change's key is stored and whether guard admits
// it. The row stays locked until the transaction ends.
func (s *SyncService) lookupStored(ctx context.Context, tx pgx.Tx, userID string, pc *preparedChange, guard string) (exists, allowed bool, err error) {
	q, args := buildLookupSQL(s.config.Schema, pc.table, pc.key, guard)
	args["user_id"] = userID
	err = tx.QueryRow(ctx, q, args).Scan(&allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, allowed, nil
}

func (s *SyncService) forbidden(pc *preparedChange, userID string) ChangeResult {
	s.logger.Warn("Write outside the caller's scope refused",
		"table", pc.table.Name, "row_id", pc.change.RowID, "op", pc.change.Operation, "user_id", userID)
	return statusForbidden(pc.change)
}

func (s *SyncService) applySoftDelete(ctx context.Context, tx pgx.Tx, userID string, pc *preparedChange, guard string) (ChangeResult, error) {
	q, args := buildSoftDeleteSQL(s.config.Schema, pc.table, pc.key, guard)
	args["at"] = pc.at
	args["user_id"] = userID

	var stored []byte
	err := tx.QueryRow(ctx, q, args).Scan(&stored)
	if err == nil {
		return statusApplied(pc.change), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ChangeResult{}, err
	}
	return s.deleteMissOutcome(ctx, tx, userID, pc, guard)
}

func (s *SyncService) applyHardDelete(ctx context.Context, tx pgx.Tx, userID string, pc *preparedChange, guard string) (ChangeResult, error) {
	q, args := buildHardDeleteSQL(s.config.Schema, pc.table, pc.key, guard)
	args["at"] = pc.at
	args["user_id"] = userID

	tag, err := tx.Exec(ctx, q, args)
	if err != nil {
		return ChangeResult{}, err
	}
	if tag.RowsAffected() == 0 {
		res, err := s.deleteMissOutcome(ctx, tx, userID, pc, guard)
		if err != nil || res.Status != StApplied {
			return res, err
		}
	}

	if _, err := tx.Exec(ctx, stmtRecordTombstone, pgx.NamedArgs{
		"schema":     s.config.Schema,
		"table_name": pc.table.Name,
		"row_id":     pc.key.Encode(),
		"user_id":    userID,
	}); err != nil {
		return ChangeResult{}, err
	}
	return statusApplied(pc.change), nil
}

// deleteMissOutcome explains a delete that touched no row: the row is gone already (applied,
// deletes are idempotent), belongs to someone else (rejected) or is newer than the delete
// (conflict).
func (s *SyncService) deleteMissOutcome(ctx context.Context, tx pgx.Tx, userID string, pc *preparedChange, guard string) (ChangeResult, error) {
	exists, allowed, err := s.lookupStored(ctx, tx, userID, pc, guard)
	if err != nil {
		return ChangeResult{}, err
	}
	switch {
	case !exists:
		return statusApplied(pc.change), nil
	case !allowed:
		return s.forbidden(pc, userID), nil
	default:
		s.logger.Info("Delete superseded by newer row", "table", pc.table.Name, "row_id", pc.change.RowID)
		return statusConflict(pc.change), nil
	}
}
