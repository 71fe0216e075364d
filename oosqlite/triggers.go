// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/tunetrees/oosync/synctable"
)

// triggerData holds the data needed for trigger template rendering
type triggerData struct {
	Table    string
	RowIDNew string
	RowIDOld string
}

// Each captured event appends exactly one outbox row. Pulled writes run with apply_mode = 1
// and are not captured.
var triggerTemplate = template.Must(template.New("triggers").Parse(`
{{- define "capture" -}}
CREATE TRIGGER IF NOT EXISTS trg_{{.Data.Table}}_{{.Suffix}}
AFTER {{.Event}} ON {{.Data.Table}}
WHEN COALESCE((SELECT apply_mode FROM sync_client_state WHERE id = 1), 0) = 0
BEGIN
	INSERT INTO sync_outbox (id, table_name, row_id, operation, status, changed_at, attempts)
	VALUES (
		lower(hex(randomblob(16))),
		'{{.Data.Table}}',
		{{.RowID}},
		'{{.Event}}',
		'pending',
		strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
		0
	);
END
{{- end -}}`))

// rowIDExpr renders the row_id of NEW or OLD. Composite keys use json_object over the sorted
// key columns cast to TEXT, which is byte-identical to synctable.Key.Encode.
func rowIDExpr(prefix string, keyCols []string) string {
	if len(keyCols) == 1 {
		return fmt.Sprintf("CAST(%s.%s AS TEXT)", prefix, quoteIdent(keyCols[0]))
	}
	cols := slices.Clone(keyCols)
	slices.Sort(cols)
	pairs := make([]string, len(cols))
	for i, c := range cols {
		pairs[i] = fmt.Sprintf("'%s', CAST(%s.%s AS TEXT)", c, prefix, quoteIdent(c))
	}
	return fmt.Sprintf("json_object(%s)", strings.Join(pairs, ", "))
}

func renderTriggers(t *synctable.Table) ([]string, error) {
	data := triggerData{
		Table:    t.Name,
		RowIDNew: rowIDExpr("NEW", t.PrimaryKey),
		RowIDOld: rowIDExpr("OLD", t.PrimaryKey),
	}
	events := []struct {
		Event, Suffix, RowID string
	}{
		{"INSERT", "ai", data.RowIDNew},
		{"UPDATE", "au", data.RowIDNew},
		{"DELETE", "ad", data.RowIDOld},
	}

	out := make([]string, 0, len(events))
	for _, ev := range events {
		var buf bytes.Buffer
		err := triggerTemplate.ExecuteTemplate(&buf, "capture", map[string]any{
			"Data":   data,
			"Event":  ev.Event,
			"Suffix": ev.Suffix,
			"RowID":  ev.RowID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to render %s trigger for table %s: %w", ev.Event, t.Name, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

// installTriggers creates capture triggers for every registered table. Every registered table
// must exist locally with all of its key columns.
func (c *Client) installTriggers(ctx context.Context, db *sql.DB) error {
	for _, t := range c.registry.Tables() {
		info, err := c.tables.Get(ctx, db, t.Name)
		if err != nil {
			return err
		}
		for _, k := range t.PrimaryKey {
			if !info.Has(k) {
				return fmt.Errorf("local table %s: key column %s does not exist", t.Name, k)
			}
		}
		// pulled rows are upserted on the registry key, so it must be the declared one
		if local := info.PrimaryKey(); !sameColumns(local, t.PrimaryKey) {
			return fmt.Errorf("local table %s: primary key (%s) differs from sync key (%s)",
				t.Name, strings.Join(local, ", "), strings.Join(t.PrimaryKey, ", "))
		}
		stmts, err := renderTriggers(t)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create trigger for table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
