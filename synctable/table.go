// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package synctable describes every synchronizable table: key shape, conflict target,
// timestamp and boolean columns, delete policy, sanitize rules and pull visibility.
//
// A Registry is built once at startup from a closed list of Table descriptors. Lookups of
// tables that were never registered fail with ErrUnregisteredTable; they are never skipped.
package synctable

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Default bookkeeping column names.
const (
	DefaultModifiedColumn = "last_modified_at"
	DefaultDeletedColumn  = "deleted"
)

var (
	ErrUnregisteredTable = errors.New("unregistered_table")
	ErrBadKey            = errors.New("bad_key")
)

// Row is a single table row keyed by lower-case column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DeletePolicy controls what a pushed DELETE does to the canonical row.
type DeletePolicy int

const (
	// DeleteHard removes the row and records a tombstone so peers learn about it.
	DeleteHard DeletePolicy = iota
	// DeleteSoft sets the deleted flag and bumps the modified timestamp.
	DeleteSoft
	// DeleteDeny rejects the delete outright (append-only history tables).
	DeleteDeny
)

func (p DeletePolicy) String() string {
	switch p {
	case DeleteHard:
		return "hard"
	case DeleteSoft:
		return "soft"
	case DeleteDeny:
		return "deny"
	default:
		return fmt.Sprintf("DeletePolicy(%d)", int(p))
	}
}

// Table is the immutable sync metadata for one table.
type Table struct {
	Name       string
	PrimaryKey []string
	// UniqueKeys is the upsert conflict target when it differs from PrimaryKey.
	UniqueKeys []string
	// Timestamps are normalized to UTC on both sides of the wire.
	Timestamps []string
	// BooleanColumns are stored as 0/1 locally and as booleans remotely.
	BooleanColumns []string
	// SupportsIncremental means ModifiedColumn can serve as a pull cursor.
	SupportsIncremental bool
	HasDeletedFlag      bool
	ModifiedColumn      string
	DeletedColumn       string
	Normalize           func(Row) Row
	Delete              DeletePolicy
	Sanitizers          []Sanitizer
	Visibility          Visibility
}

// ConflictTarget returns the columns identifying "the same logical row" during upsert.
func (t *Table) ConflictTarget() []string {
	if len(t.UniqueKeys) > 0 {
		return t.UniqueKeys
	}
	return t.PrimaryKey
}

// IsComposite reports whether the primary key spans more than one column.
func (t *Table) IsComposite() bool {
	return len(t.PrimaryKey) > 1
}

// HasModified reports whether rows carry a last-write-wins timestamp.
func (t *Table) HasModified() bool {
	return t.ModifiedColumn != ""
}

// ReadOnly reports whether pushes to the table are refused. See WriteRule.
func (t *Table) ReadOnly() bool {
	return WriteRule(t.Visibility) == nil
}

// IsBoolean reports whether col needs integer/boolean translation. The deleted flag always does.
func (t *Table) IsBoolean(col string) bool {
	if t.HasDeletedFlag && col == t.DeletedColumn {
		return true
	}
	return slices.Contains(t.BooleanColumns, col)
}

// IsTimestamp reports whether col is a timestamp column.
func (t *Table) IsTimestamp(col string) bool {
	return col == t.ModifiedColumn || slices.Contains(t.Timestamps, col)
}

// IsKeyColumn reports whether col belongs to the primary key or the conflict target.
func (t *Table) IsKeyColumn(col string) bool {
	return slices.Contains(t.PrimaryKey, col) || slices.Contains(t.UniqueKeys, col)
}

func (t *Table) validate() error {
	if !isIdent(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: primary key required", t.Name)
	}
	for _, cols := range [][]string{t.PrimaryKey, t.UniqueKeys, t.Timestamps, t.BooleanColumns} {
		for _, c := range cols {
			if !isIdent(c) {
				return fmt.Errorf("table %s: invalid column name %q", t.Name, c)
			}
		}
	}
	if t.SupportsIncremental && t.ModifiedColumn == "" {
		return fmt.Errorf("table %s: incremental sync requires a modified column", t.Name)
	}
	if t.Delete == DeleteSoft && !t.HasDeletedFlag {
		return fmt.Errorf("table %s: soft delete requires a deleted flag", t.Name)
	}
	if t.Visibility == nil {
		return fmt.Errorf("table %s: visibility rule required", t.Name)
	}
	return nil
}

// Registry is the closed set of synchronizable tables.
type Registry struct {
	tables []*Table
	byName map[string]*Table
}

// NewRegistry validates the descriptors and freezes them. Bookkeeping column names are
// defaulted here so that callers never see a half-configured Table.
func NewRegistry(tables ...Table) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Table, len(tables))}
	for i := range tables {
		t := tables[i]
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if t.SupportsIncremental && t.ModifiedColumn == "" {
			t.ModifiedColumn = DefaultModifiedColumn
		}
		if t.HasDeletedFlag && t.DeletedColumn == "" {
			t.DeletedColumn = DefaultDeletedColumn
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("table %s registered twice", t.Name)
		}
		r.tables = append(r.tables, &t)
		r.byName[t.Name] = &t
	}
	return r, nil
}

// MustRegistry is NewRegistry for compiled-in tables; a bad descriptor is a startup error.
func MustRegistry(tables ...Table) *Registry {
	r, err := NewRegistry(tables...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the table or ErrUnregisteredTable.
func (r *Registry) Lookup(name string) (*Table, error) {
	t, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredTable, name)
	}
	return t, nil
}

// Tables returns the registered tables in registration order.
func (r *Registry) Tables() []*Table {
	return slices.Clone(r.tables)
}

// Names returns the registered table names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tables))
	for i, t := range r.tables {
		names[i] = t.Name
	}
	return names
}

// Select resolves a subset of table names, keeping registration order.
// An empty subset selects every table.
func (r *Registry) Select(names []string) ([]*Table, error) {
	if len(names) == 0 {
		return r.Tables(), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		t, err := r.Lookup(n)
		if err != nil {
			return nil, err
		}
		want[t.Name] = true
	}
	var out []*Table
	for _, t := range r.tables {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out, nil
}

// isIdent checks ^[a-z0-9_]+$
func isIdent(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
