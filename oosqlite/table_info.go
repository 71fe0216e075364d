// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type tableInfoQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo holds information about a local table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	NotNull      bool
	PKIndex      int // 1-based position in the primary key, 0 when not a key column
}

// TableInfo is the cached local shape of one table
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
	names   map[string]bool
}

// Has reports whether the local table has column col.
func (t *TableInfo) Has(col string) bool {
	return t.names[strings.ToLower(col)]
}

// PrimaryKey returns the declared primary key columns in key order.
func (t *TableInfo) PrimaryKey() []string {
	var pk []ColumnInfo
	for _, c := range t.Columns {
		if c.PKIndex > 0 {
			pk = append(pk, c)
		}
	}
	slices.SortFunc(pk, func(a, b ColumnInfo) int { return a.PKIndex - b.PKIndex })
	out := make([]string, len(pk))
	for i, c := range pk {
		out[i] = strings.ToLower(c.Name)
	}
	return out
}

// TableInfoProvider caches PRAGMA table_info per table
type TableInfoProvider struct {
	mu    sync.RWMutex
	cache map[string]*TableInfo
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{cache: make(map[string]*TableInfo)}
}

// Get returns the table shape, reading it on first use. A missing table is an error.
func (p *TableInfoProvider) Get(ctx context.Context, q tableInfoQueryer, table string) (*TableInfo, error) {
	key := strings.ToLower(table)

	p.mu.RLock()
	info, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return info, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info = &TableInfo{Table: key, names: map[string]bool{}}
	for rows.Next() {
		var (
			cid          int
			name         string
			declaredType string
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			NotNull:      notNull == 1,
			PKIndex:      pk,
		})
		info.names[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("local table %s does not exist", table)
	}

	p.mu.Lock()
	p.cache[key] = info
	p.mu.Unlock()
	return info, nil
}

// ClearCache drops every cached shape, e.g. after a local migration.
func (p *TableInfoProvider) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*TableInfo)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
