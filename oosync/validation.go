// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tunetrees/oosync/synctable"
)

// Validation error sentinels for better error mapping
var (
	ErrBadPayload   = errors.New("bad_payload")
	ErrDeleteDenied = errors.New("delete_denied")
	ErrForbidden    = errors.New("forbidden")
)

// preparedChange is a validated change ready to be applied.
type preparedChange struct {
	change *OutboxChange
	table  *synctable.Table
	key    synctable.Key
	row    synctable.Row // nil for DELETE
	at     time.Time     // delete timestamp
}

// prepareChange validates one change and turns its payload into a sanitized canonical row.
// The returned result is non-nil when the change must not be applied.
func (s *SyncService) prepareChange(ch *OutboxChange, userID string, now time.Time) (*preparedChange, *ChangeResult) {
	ch.TableName = strings.ToLower(strings.TrimSpace(ch.TableName))
	ch.Operation = strings.ToUpper(strings.TrimSpace(ch.Operation))

	fail := func(reason string, err error) (*preparedChange, *ChangeResult) {
		st := statusInvalid(ch, reason, err)
		return nil, &st
	}

	tbl, err := s.registry.Lookup(ch.TableName)
	if err != nil {
		return fail(ReasonUnregisteredTable, err)
	}

	switch ch.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fail(ReasonBadPayload, fmt.Errorf("%w: invalid operation %q", ErrBadPayload, ch.Operation))
	}

	key, err := tbl.DecodeKey(ch.RowID)
	if err != nil {
		return fail(ReasonBadKey, err)
	}

	pc := &preparedChange{change: ch, table: tbl, key: key, at: now}

	if ch.Operation == OpDelete && tbl.Delete == synctable.DeleteDeny {
		st := statusDenied(ch)
		return nil, &st
	}
	if tbl.ReadOnly() {
		st := statusForbidden(ch)
		return nil, &st
	}

	if ch.Operation == OpDelete {
		if ch.ChangedAt != "" {
			at, err := synctable.ParseTimestamp(ch.ChangedAt)
			if err != nil {
				return fail(ReasonBadPayload, fmt.Errorf("%w: changedAt: %v", ErrBadPayload, err))
			}
			pc.at = at
		}
		return pc, nil
	}

	if s.config.MaxPayloadBytes > 0 && len(ch.Data) > s.config.MaxPayloadBytes {
		return fail(ReasonBadPayload, fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(ch.Data), s.config.MaxPayloadBytes))
	}
	row, err := decodeRow(ch.Data)
	if err != nil {
		return fail(ReasonBadPayload, err)
	}

	row, err = tbl.ToRemote(row)
	if err != nil {
		return fail(ReasonBadPayload, fmt.Errorf("%w: %v", ErrBadPayload, err))
	}
	if err := tbl.Sanitize(row, userID, now); err != nil {
		return fail(ReasonBadPayload, fmt.Errorf("%w: %v", ErrBadPayload, err))
	}

	// stamped by the database on every write
	delete(row, ChangedAtColumn)

	// the row id is authoritative for key columns
	for _, part := range key {
		if v, ok := row[part.Column]; ok {
			if text, _ := synctable.FormatValue(v); text != part.Value {
				return fail(ReasonBadKey, fmt.Errorf("%w: %s=%q does not match row id", synctable.ErrBadKey, part.Column, text))
			}
			continue
		}
		row[part.Column] = part.Value
	}

	for col := range row {
		if !isValidColumnName(col) {
			return fail(ReasonBadPayload, fmt.Errorf("%w: invalid column name %q", ErrBadPayload, col))
		}
		if !s.columns.has(tbl.Name, col) {
			delete(row, col)
		}
	}

	pc.row = row
	return pc, nil
}

// decodeRow parses a JSON object payload, keeping numbers exact.
func decodeRow(data json.RawMessage) (synctable.Row, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: data required", ErrBadPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil || row == nil {
		return nil, fmt.Errorf("%w: data must be a JSON object", ErrBadPayload)
	}
	out := make(synctable.Row, len(row))
	for k, v := range row {
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

// isValidColumnName checks if column name matches ^[a-z0-9_]+$
func isValidColumnName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}

// isValidSchemaName checks if schema name matches ^[a-z0-9_]+$
func isValidSchemaName(name string) bool {
	return isValidColumnName(name)
}
