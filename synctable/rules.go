// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package synctable

import (
	"fmt"
	"time"
)

// SanitizeContext is what a sanitizer may consult besides the row itself.
type SanitizeContext struct {
	Table  *Table
	UserID string
	Now    time.Time
}

// Sanitizer mutates a pushed row in place before it is persisted. An error marks the
// single change invalid; sibling changes are unaffected.
type Sanitizer interface {
	Sanitize(row Row, sc SanitizeContext) error
}

// StampModified fills the modified column with the server clock when the client omitted it.
type StampModified struct{}

func (StampModified) Sanitize(row Row, sc SanitizeContext) error {
	col := sc.Table.ModifiedColumn
	if col == "" {
		return nil
	}
	if v, ok := row[col]; !ok || v == nil || v == "" {
		row[col] = FormatTimestamp(sc.Now)
	}
	return nil
}

// StampOwner fills an owner column with the authenticated user when missing.
type StampOwner struct {
	Column string
}

func (s StampOwner) Sanitize(row Row, sc SanitizeContext) error {
	if v, ok := row[s.Column]; !ok || v == nil || v == "" {
		row[s.Column] = sc.UserID
	}
	return nil
}

// DefaultValue sets Column to Value when the column is absent or null.
type DefaultValue struct {
	Column string
	Value  any
}

func (d DefaultValue) Sanitize(row Row, _ SanitizeContext) error {
	if v, ok := row[d.Column]; !ok || v == nil {
		row[d.Column] = d.Value
	}
	return nil
}

// CoerceNumeric parses stringified numbers. Empty strings become null.
type CoerceNumeric struct {
	Columns []string
}

func (c CoerceNumeric) Sanitize(row Row, _ SanitizeContext) error {
	for _, col := range c.Columns {
		s, ok := row[col].(string)
		if !ok {
			continue
		}
		if s == "" {
			row[col] = nil
			continue
		}
		n, err := ParseNumeric(s)
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		row[col] = n
	}
	return nil
}

// EmptyToNull replaces empty strings with null, for columns with foreign keys or
// check constraints that reject "".
type EmptyToNull struct {
	Columns []string
}

func (e EmptyToNull) Sanitize(row Row, _ SanitizeContext) error {
	for _, col := range e.Columns {
		if s, ok := row[col].(string); ok && s == "" {
			row[col] = nil
		}
	}
	return nil
}

// Sanitize runs the table's sanitizers in order.
func (t *Table) Sanitize(row Row, userID string, now time.Time) error {
	sc := SanitizeContext{Table: t, UserID: userID, Now: now}
	for _, s := range t.Sanitizers {
		if err := s.Sanitize(row, sc); err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
	}
	return nil
}
