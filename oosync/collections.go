// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/tunetrees/oosync/synctable"
)

// CollectionSource computes one named collection: the distinct ValueColumn values of rows in
// Table owned by the caller through OwnerColumn.
type CollectionSource struct {
	Name          string
	Table         string
	ValueColumn   string
	OwnerColumn   string
	DeletedColumn string // optional; soft-deleted rows do not count
}

// DefaultCollections returns the collection sources used by synctable.Default.
func DefaultCollections() []CollectionSource {
	return []CollectionSource{
		{
			Name:          synctable.CollectionPlaylists,
			Table:         "playlist",
			ValueColumn:   "playlist_id",
			OwnerColumn:   "user_ref",
			DeletedColumn: "deleted",
		},
		{
			Name:        synctable.CollectionGenres,
			Table:       "user_genre_selection",
			ValueColumn: "genre_id",
			OwnerColumn: "user_id",
		},
	}
}

// pullScope is everything the visibility filter needs about the caller.
type pullScope struct {
	userID      string
	collections map[string][]string
}

// fingerprint identifies the contents of the scope's collections. It is empty when the pulled
// tables need no collections.
func (sc *pullScope) fingerprint() string {
	if len(sc.collections) == 0 {
		return ""
	}
	h := sha256.New()
	names := make([]string, 0, len(sc.collections))
	for name := range sc.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		ids := slices.Clone(sc.collections[name])
		slices.Sort(ids)
		fmt.Fprintf(h, "%s=%s\n", name, strings.Join(ids, "\x1f"))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func buildCollectionSQL(schema string, src CollectionSource) string {
	q := fmt.Sprintf("SELECT DISTINCT t.%s::text FROM %s AS t WHERE t.%s::text = @user_id",
		ident(src.ValueColumn), qualified(schema, src.Table), ident(src.OwnerColumn))
	if src.DeletedColumn != "" {
		q += fmt.Sprintf(" AND NOT COALESCE(t.%s, FALSE)", ident(src.DeletedColumn))
	}
	return q
}

// computeCollections evaluates every configured source for the caller inside the pull
// transaction. Collections are never cached across requests.
func (s *SyncService) computeCollections(ctx context.Context, tx pgx.Tx, userID string) (map[string][]string, error) {
	out := make(map[string][]string, len(s.collections))
	for _, src := range s.collections {
		rows, err := tx.Query(ctx, buildCollectionSQL(s.config.Schema, src), pgx.NamedArgs{"user_id": userID})
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", src.Name, err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", src.Name, err)
		}
		if ids == nil {
			ids = []string{}
		}
		out[src.Name] = ids
	}
	return out, nil
}

// narrowCollections applies client-supplied overrides. They can only remove ids from the
// computed sets; ids the caller does not own or subscribe to are dropped.
func narrowCollections(computed map[string][]string, override map[string][]string, genreFilter []string) map[string][]string {
	out := make(map[string][]string, len(computed))
	for name, ids := range computed {
		out[name] = ids
	}
	for name, want := range override {
		if have, ok := out[name]; ok {
			out[name] = intersect(have, want)
		}
	}
	if genreFilter != nil {
		if have, ok := out[synctable.CollectionGenres]; ok {
			out[synctable.CollectionGenres] = intersect(have, genreFilter)
		}
	}
	return out
}

func intersect(have, want []string) []string {
	out := []string{}
	for _, id := range have {
		if slices.Contains(want, id) {
			out = append(out, id)
		}
	}
	return out
}
