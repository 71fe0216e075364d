// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/tunetrees/oosync/synctable"
)

const schemaInitLock = "727001"

// initializeSchemaInTx creates the sync bookkeeping tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// serializes concurrent starts; DDL races fail with "tuple concurrently updated"
		`SELECT pg_advisory_xact_lock(` + schemaInitLock + `)`,
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Hard deletes leave a tombstone so other devices learn about them on pull. Several
		// business schemas may share one database, so tombstones are keyed by schema too.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.tombstones (
			id          BIGSERIAL   PRIMARY KEY,
			schema_name TEXT        NOT NULL,
			table_name  TEXT        NOT NULL,
			row_id      TEXT        NOT NULL,
			user_id     TEXT        NOT NULL,
			deleted_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			UNIQUE (schema_name, table_name, row_id)
		)`,
		`CREATE INDEX IF NOT EXISTS tombstones_table_ts_idx ON sync.tombstones(schema_name, table_name, deleted_at, id)`,

		/*language=postgresql*/ `CREATE OR REPLACE FUNCTION sync.stamp_changed_at() RETURNS trigger
		LANGUAGE plpgsql AS $$
		BEGIN
			NEW.` + ChangedAtColumn + ` := clock_timestamp();
			RETURN NEW;
		END
		$$`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))
	return nil
}

// installChangeTracking adds ChangedAtColumn, its index and the stamping trigger to every
// incremental table. Every statement is idempotent, so concurrent starts are harmless.
func (s *SyncService) installChangeTracking(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(`+schemaInitLock+`)`); err != nil {
		return err
	}
	col := ident(ChangedAtColumn)
	for _, t := range s.registry.Tables() {
		if !t.SupportsIncremental {
			continue
		}
		tbl := qualified(s.config.Schema, t.Name)
		stmts := []string{
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()", tbl, col),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", ident(t.Name+"_"+ChangedAtColumn+"_idx"), tbl, col),
			fmt.Sprintf("CREATE OR REPLACE TRIGGER %s BEFORE INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION sync.stamp_changed_at()",
				ident(ChangedAtColumn), tbl),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("table %s: change tracking: %w", t.Name, err)
			}
		}
	}
	s.logger.Info("Change tracking installed", "schema", s.config.Schema)
	return nil
}

// columnCatalog is table -> set(column) of the business schema. Pushed columns missing from
// the canonical table are dropped instead of failing the insert.
type columnCatalog map[string]map[string]bool

func (c columnCatalog) has(table, col string) bool {
	if c == nil {
		return true
	}
	return c[table][col]
}

// loadColumnCatalog reads the columns of every registered table. A registered table that does
// not exist is a startup error.
func (s *SyncService) loadColumnCatalog(ctx context.Context) (columnCatalog, error) {
	names := s.registry.Names()
	rows, err := s.pool.Query(ctx, `
		SELECT table_name::text, column_name::text
		FROM information_schema.columns
		WHERE table_schema = @schema AND table_name = ANY(@tables::text[])`,
		pgx.NamedArgs{"schema": s.config.Schema, "tables": names},
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cat := columnCatalog{}
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			return nil, err
		}
		if cat[table] == nil {
			cat[table] = map[string]bool{}
		}
		cat[table][col] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range s.registry.Tables() {
		cols, ok := cat[t.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s does not exist", synctable.ErrUnregisteredTable, s.config.Schema, t.Name)
		}
		for _, c := range append(append([]string{}, t.PrimaryKey...), t.UniqueKeys...) {
			if !cols[c] {
				return nil, fmt.Errorf("table %s: key column %s does not exist", t.Name, c)
			}
		}
	}
	s.logger.Info("Column catalog loaded", "tables", len(cat))
	return cat, nil
}
