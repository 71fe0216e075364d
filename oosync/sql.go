// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/tunetrees/oosync/synctable"
)

// SyncSchema holds server-side bookkeeping tables.
const SyncSchema = "sync"

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func qualified(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}

// ChangedAtColumn is added to every incremental business table at startup and stamped by a
// trigger with the database clock on each insert and update. Pull windows and page order use
// it instead of the client-supplied modified timestamp, so late-arriving offline writes are
// still delivered to devices that synced in the meantime.
const ChangedAtColumn = "oosync_changed_at"

// lwwGuard admits an incoming row only when it is newer than the stored one. incoming is the
// alias of the incoming row; equal timestamps keep the stored row.
func lwwGuard(t *synctable.Table, cols []string, incoming string) string {
	if !t.HasModified() {
		return ""
	}
	m := ident(t.ModifiedColumn)
	if slices.Contains(cols, t.ModifiedColumn) {
		return fmt.Sprintf("(t.%s IS NULL OR %s.%s > t.%s)", m, incoming, m, m)
	}
	return fmt.Sprintf("t.%s IS NULL", m)
}

// buildUpsertSQL builds the insert for a row whose primary key is not stored yet. The row is
// bound as @row (jsonb) and expanded with jsonb_populate_record so column types come from the
// target table. A row already holding the conflict target is updated only when guard admits
// it and the incoming row is newer; RETURNING yields nothing otherwise.
func buildUpsertSQL(schema string, t *synctable.Table, cols []string, guard string) string {
	tbl := qualified(schema, t.Name)
	list := strings.Join(quoteAll(cols), ", ")

	var sets []string
	for _, c := range cols {
		if t.IsKeyColumn(c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
	}
	if len(sets) == 0 {
		c := ident(t.ConflictTarget()[0])
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	where := []string{"(" + guard + ")"}
	if lww := lwwGuard(t, cols, "EXCLUDED"); lww != "" {
		where = append(where, lww)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS t (%s)\n", tbl, list)
	fmt.Fprintf(&b, "SELECT %s FROM jsonb_populate_record(NULL::%s, @row::jsonb)\n", list, tbl)
	fmt.Fprintf(&b, "ON CONFLICT (%s) DO UPDATE SET %s\n", strings.Join(quoteAll(t.ConflictTarget()), ", "), strings.Join(sets, ", "))
	fmt.Fprintf(&b, "WHERE %s\n", strings.Join(where, " AND "))
	b.WriteString("RETURNING to_jsonb(t)")
	return b.String()
}

// buildUpdateSQL updates the stored row with the incoming primary key, including unique-key
// columns, when the incoming row is newer.
func buildUpdateSQL(schema string, t *synctable.Table, cols []string, key synctable.Key) (string, pgx.NamedArgs) {
	tbl := qualified(schema, t.Name)
	match, args := keyMatch(t, key)

	var sets []string
	for _, c := range cols {
		if slices.Contains(t.PrimaryKey, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = r.%s", ident(c), ident(c)))
	}
	if len(sets) == 0 {
		c := ident(t.PrimaryKey[0])
		sets = append(sets, fmt.Sprintf("%s = t.%s", c, c))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s AS t SET %s\n", tbl, strings.Join(sets, ", "))
	fmt.Fprintf(&b, "FROM jsonb_populate_record(NULL::%s, @row::jsonb) AS r\n", tbl)
	fmt.Fprintf(&b, "WHERE %s", match)
	if lww := lwwGuard(t, cols, "r"); lww != "" {
		fmt.Fprintf(&b, " AND %s", lww)
	}
	b.WriteString("\nRETURNING to_jsonb(t)")
	return b.String(), args
}

// buildIncomingGuardSQL evaluates guard (over alias r) against the incoming row.
func buildIncomingGuardSQL(schema string, t *synctable.Table, guard string) string {
	tbl := qualified(schema, t.Name)
	return fmt.Sprintf("SELECT COALESCE((%s), FALSE) FROM jsonb_populate_record(NULL::%s, @row::jsonb) AS r", guard, tbl)
}

// buildLookupSQL locks the stored row with the given key and evaluates guard (over alias t)
// against it. No row means the key is not stored.
func buildLookupSQL(schema string, t *synctable.Table, key synctable.Key, guard string) (string, pgx.NamedArgs) {
	match, args := keyMatch(t, key)
	return fmt.Sprintf("SELECT COALESCE((%s), FALSE) FROM %s AS t WHERE %s FOR UPDATE",
		guard, qualified(schema, t.Name), match), args
}

// keyMatch matches every primary key column as text against @k0..@kN.
func keyMatch(t *synctable.Table, key synctable.Key) (string, pgx.NamedArgs) {
	args := pgx.NamedArgs{}
	parts := make([]string, len(key))
	for i, p := range key {
		name := fmt.Sprintf("k%d", i)
		parts[i] = fmt.Sprintf("t.%s::text = @%s", ident(p.Column), name)
		args[name] = p.Value
	}
	return strings.Join(parts, " AND "), args
}

// staleGuard admits a delete only when it is newer than the stored row.
func staleGuard(t *synctable.Table) string {
	if !t.HasModified() {
		return ""
	}
	m := ident(t.ModifiedColumn)
	return fmt.Sprintf(" AND (t.%s IS NULL OR t.%s < @at::timestamptz)", m, m)
}

func buildSoftDeleteSQL(schema string, t *synctable.Table, key synctable.Key, guard string) (string, pgx.NamedArgs) {
	match, args := keyMatch(t, key)
	set := fmt.Sprintf("%s = TRUE", ident(t.DeletedColumn))
	if t.HasModified() {
		set += fmt.Sprintf(", %s = @at::timestamptz", ident(t.ModifiedColumn))
	}
	q := fmt.Sprintf("UPDATE %s AS t SET %s WHERE %s AND (%s)%s RETURNING to_jsonb(t)",
		qualified(schema, t.Name), set, match, guard, staleGuard(t))
	return q, args
}

func buildHardDeleteSQL(schema string, t *synctable.Table, key synctable.Key, guard string) (string, pgx.NamedArgs) {
	match, args := keyMatch(t, key)
	q := fmt.Sprintf("DELETE FROM %s AS t WHERE %s AND (%s)%s", qualified(schema, t.Name), match, guard, staleGuard(t))
	return q, args
}

/*language=postgresql*/
const stmtRecordTombstone = `
INSERT INTO sync.tombstones (schema_name, table_name, row_id, user_id, deleted_at)
VALUES (@schema, @table_name, @row_id, @user_id, clock_timestamp())
ON CONFLICT (schema_name, table_name, row_id)
DO UPDATE SET user_id = EXCLUDED.user_id, deleted_at = EXCLUDED.deleted_at`

/*language=postgresql*/
const stmtClearTombstone = `DELETE FROM sync.tombstones WHERE schema_name = @schema AND table_name = @table_name AND row_id = @row_id`

// filterBuilder renders a Visibility rule into a predicate over alias (t unless set).
type filterBuilder struct {
	schema string
	alias  string
	args   pgx.NamedArgs
}

func newFilterBuilder(schema string, sc *pullScope) *filterBuilder {
	args := pgx.NamedArgs{"user_id": sc.userID}
	for name, ids := range sc.collections {
		args["coll_"+name] = ids
	}
	return &filterBuilder{schema: schema, alias: "t", args: args}
}

func (b *filterBuilder) col(c string) string {
	return b.alias + "." + ident(c)
}

func (b *filterBuilder) collection(name string) string {
	key := "coll_" + name
	if _, ok := b.args[key]; !ok {
		b.args[key] = []string{}
	}
	return "@" + key + "::text[]"
}

func (b *filterBuilder) clause(v synctable.Visibility) (string, error) {
	switch r := v.(type) {
	case synctable.Public:
		return "TRUE", nil
	case synctable.OwnedBy:
		return fmt.Sprintf("%s::text = @user_id", b.col(r.Column)), nil
	case synctable.OwnedOrPublic:
		c := b.col(r.Column)
		return fmt.Sprintf("(%s IS NULL OR %s::text = @user_id)", c, c), nil
	case synctable.InCollection:
		return fmt.Sprintf("%s::text = ANY(%s)", b.col(r.Column), b.collection(r.Collection)), nil
	case synctable.InCategory:
		if r.Catalog == "" {
			return fmt.Sprintf("%s::text = ANY(%s)", b.col(r.RefColumn), b.collection(r.Collection)), nil
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS c WHERE c.%s = %s AND c.%s::text = ANY(%s))",
			qualified(b.schema, r.Catalog), ident(r.CatalogKey), b.col(r.RefColumn),
			ident(r.CategoryColumn), b.collection(r.Collection)), nil
	case synctable.AnyOf:
		return b.join([]synctable.Visibility(r), " OR ", "FALSE")
	case synctable.AllOf:
		return b.join([]synctable.Visibility(r), " AND ", "TRUE")
	default:
		return "", fmt.Errorf("unsupported visibility rule %T", v)
	}
}

func (b *filterBuilder) join(rules []synctable.Visibility, op, empty string) (string, error) {
	if len(rules) == 0 {
		return empty, nil
	}
	parts := make([]string, len(rules))
	for i, r := range rules {
		p, err := b.clause(r)
		if err != nil {
			return "", err
		}
		parts[i] = p
	}
	return "(" + strings.Join(parts, op) + ")", nil
}

// writeClause renders a rule returned by synctable.WriteRule. Pushes do not precompute
// collections, so collection membership is read from the source table of each collection.
func (b *filterBuilder) writeClause(v synctable.Visibility, sources []CollectionSource) (string, error) {
	switch r := v.(type) {
	case synctable.OwnedBy:
		return fmt.Sprintf("%s::text = @user_id", b.col(r.Column)), nil
	case synctable.InCollection:
		i := slices.IndexFunc(sources, func(src CollectionSource) bool { return src.Name == r.Collection })
		if i < 0 {
			return "", fmt.Errorf("collection %q has no source", r.Collection)
		}
		// ownership outlives a soft delete of the collection's parent row
		src := sources[i]
		src.DeletedColumn = ""
		return fmt.Sprintf("%s::text IN (%s)", b.col(r.Column), buildCollectionSQL(b.schema, src)), nil
	case synctable.AnyOf:
		return b.joinWrite(r, " OR ", sources)
	case synctable.AllOf:
		return b.joinWrite(r, " AND ", sources)
	default:
		return "", fmt.Errorf("visibility rule %T grants no write access", v)
	}
}

func (b *filterBuilder) joinWrite(rules []synctable.Visibility, op string, sources []CollectionSource) (string, error) {
	parts := make([]string, len(rules))
	for i, r := range rules {
		p, err := b.writeClause(r, sources)
		if err != nil {
			return "", err
		}
		parts[i] = p
	}
	return "(" + strings.Join(parts, op) + ")", nil
}

// buildRowsPageSQL selects visible rows of one table after the page position, ordered by
// (ChangedAtColumn, key...) for incremental tables and by key for the rest. Each row comes back
// as to_jsonb(t) without the change column, the change time as ISO text and the key values as
// text[].
func buildRowsPageSQL(schema string, t *synctable.Table, visibility string, withPosition bool) string {
	keyExprs := make([]string, len(t.PrimaryKey))
	posExprs := make([]string, len(t.PrimaryKey))
	for i, c := range t.PrimaryKey {
		keyExprs[i] = fmt.Sprintf("t.%s::text", ident(c))
		posExprs[i] = fmt.Sprintf("@pos_k%d", i)
	}

	var b strings.Builder
	var order []string
	if t.SupportsIncremental {
		m := "t." + ident(ChangedAtColumn)
		fmt.Fprintf(&b, "SELECT to_jsonb(t) - '%s', to_jsonb(%s) #>> '{}', ARRAY[%s]\n", ChangedAtColumn, m, strings.Join(keyExprs, ", "))
		fmt.Fprintf(&b, "FROM %s AS t\n", qualified(schema, t.Name))
		fmt.Fprintf(&b, "WHERE (%s)\n", visibility)
		fmt.Fprintf(&b, "  AND (@since::text IS NULL OR %s > @since::text::timestamptz)\n", m)
		fmt.Fprintf(&b, "  AND %s <= @until::text::timestamptz\n", m)
		if withPosition {
			fmt.Fprintf(&b, "  AND (%s, %s) > (@pos_ts::text::timestamptz, %s)\n", m, strings.Join(keyExprs, ", "), strings.Join(posExprs, ", "))
		}
		order = append([]string{m}, keyExprs...)
	} else {
		fmt.Fprintf(&b, "SELECT to_jsonb(t), NULL::text, ARRAY[%s]\n", strings.Join(keyExprs, ", "))
		fmt.Fprintf(&b, "FROM %s AS t\n", qualified(schema, t.Name))
		fmt.Fprintf(&b, "WHERE (%s)\n", visibility)
		if withPosition {
			fmt.Fprintf(&b, "  AND (%s) > (%s)\n", strings.Join(keyExprs, ", "), strings.Join(posExprs, ", "))
		}
		order = keyExprs
	}
	fmt.Fprintf(&b, "ORDER BY %s\n", strings.Join(order, ", "))
	b.WriteString("LIMIT @limit")
	return b.String()
}

// buildTombstonesPageSQL selects hard-delete tombstones of one table inside the walk window.
// Tombstones of tables that are never shared are limited to the caller's own deletes.
func buildTombstonesPageSQL(shared, withPosition bool) string {
	var b strings.Builder
	b.WriteString("SELECT tb.row_id, to_jsonb(tb.deleted_at) #>> '{}', tb.id\n")
	b.WriteString("FROM sync.tombstones AS tb\n")
	b.WriteString("WHERE tb.schema_name = @schema AND tb.table_name = @table_name\n")
	b.WriteString("  AND tb.deleted_at > @since::text::timestamptz\n")
	b.WriteString("  AND tb.deleted_at <= @until::text::timestamptz\n")
	if !shared {
		b.WriteString("  AND tb.user_id = @user_id\n")
	}
	if withPosition {
		b.WriteString("  AND (tb.deleted_at, tb.id) > (@pos_ts::text::timestamptz, @pos_id)\n")
	}
	b.WriteString("ORDER BY tb.deleted_at, tb.id\n")
	b.WriteString("LIMIT @limit")
	return b.String()
}
