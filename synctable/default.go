// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package synctable

// Collection names computed by the server for every pull.
const (
	CollectionPlaylists = "playlists"
	CollectionGenres    = "genres"
)

// DefaultTables returns the application's synchronizable tables in dependency order
// (parents before children), which is also the pull order.
func DefaultTables() []Table {
	stamp := []Sanitizer{StampModified{}}
	softDeleted := DefaultValue{Column: DefaultDeletedColumn, Value: false}

	// Public catalog rows (null owner) are seeded on the server. Rows created by a push are
	// always owned by the pusher.
	return []Table{
		{
			// catalog: every genre stays visible so the settings screen can offer all of them
			Name:       "genre",
			PrimaryKey: []string{"id"},
			Delete:     DeleteDeny,
			Visibility: Public{},
		},
		{
			Name:                "instrument",
			PrimaryKey:          []string{"id"},
			SupportsIncremental: true,
			HasDeletedFlag:      true,
			Delete:              DeleteSoft,
			Sanitizers:          []Sanitizer{StampModified{}, softDeleted, EmptyToNull{Columns: []string{"private_to_user"}}, StampOwner{Column: "private_to_user"}},
			Visibility:          OwnedOrPublic{Column: "private_to_user"},
		},
		{
			Name:                "tune",
			PrimaryKey:          []string{"id"},
			SupportsIncremental: true,
			HasDeletedFlag:      true,
			Delete:              DeleteSoft,
			Sanitizers: []Sanitizer{
				StampModified{},
				softDeleted,
				EmptyToNull{Columns: []string{"private_for", "genre"}},
				StampOwner{Column: "private_for"},
			},
			Visibility: AnyOf{
				OwnedBy{Column: "private_for"},
				AllOf{
					OwnedOrPublic{Column: "private_for"},
					InCategory{RefColumn: "genre", Collection: CollectionGenres},
				},
			},
		},
		{
			Name:                "playlist",
			PrimaryKey:          []string{"playlist_id"},
			SupportsIncremental: true,
			HasDeletedFlag:      true,
			Delete:              DeleteSoft,
			Sanitizers:          []Sanitizer{StampModified{}, softDeleted, StampOwner{Column: "user_ref"}},
			Visibility:          OwnedBy{Column: "user_ref"},
		},
		{
			Name:                "playlist_tune",
			PrimaryKey:          []string{"playlist_ref", "tune_ref"},
			Timestamps:          []string{"current"},
			SupportsIncremental: true,
			HasDeletedFlag:      true,
			Delete:              DeleteSoft,
			Sanitizers:          []Sanitizer{StampModified{}, softDeleted, EmptyToNull{Columns: []string{"current"}}},
			Visibility:          InCollection{Column: "playlist_ref", Collection: CollectionPlaylists},
		},
		{
			// append-only review history
			Name:                "practice_record",
			PrimaryKey:          []string{"id"},
			UniqueKeys:          []string{"tune_ref", "playlist_ref", "practiced"},
			Timestamps:          []string{"practiced", "due"},
			SupportsIncremental: true,
			Delete:              DeleteDeny,
			Sanitizers: append(stamp, CoerceNumeric{Columns: []string{
				"quality", "interval", "repetitions", "stability", "difficulty", "elapsed_days", "step",
			}}),
			Visibility: InCollection{Column: "playlist_ref", Collection: CollectionPlaylists},
		},
		{
			Name:                "note",
			PrimaryKey:          []string{"id"},
			BooleanColumns:      []string{"public", "favorite"},
			SupportsIncremental: true,
			HasDeletedFlag:      true,
			Delete:              DeleteSoft,
			Sanitizers:          []Sanitizer{StampModified{}, softDeleted, StampOwner{Column: "user_ref"}},
			Visibility:          OwnedBy{Column: "user_ref"},
		},
		{
			Name:       "reference",
			PrimaryKey: []string{"id"},
			// favorite/public are stored as integers by the browser client
			BooleanColumns:      []string{"public", "favorite"},
			SupportsIncremental: true,
			HasDeletedFlag:      true,
			Delete:              DeleteSoft,
			Sanitizers:          []Sanitizer{StampModified{}, softDeleted, EmptyToNull{Columns: []string{"user_ref"}}, StampOwner{Column: "user_ref"}},
			Visibility: AnyOf{
				OwnedBy{Column: "user_ref"},
				AllOf{
					OwnedOrPublic{Column: "user_ref"},
					InCategory{
						RefColumn:      "tune_ref",
						Catalog:        "tune",
						CatalogKey:     "id",
						CategoryColumn: "genre",
						Collection:     CollectionGenres,
					},
				},
			},
		},
		{
			Name:                "tag",
			PrimaryKey:          []string{"id"},
			UniqueKeys:          []string{"user_ref", "tune_ref", "tag_text"},
			SupportsIncremental: true,
			Delete:              DeleteHard,
			Sanitizers:          []Sanitizer{StampModified{}, StampOwner{Column: "user_ref"}},
			Visibility:          OwnedBy{Column: "user_ref"},
		},
		{
			Name:                "user_genre_selection",
			PrimaryKey:          []string{"user_id", "genre_id"},
			SupportsIncremental: true,
			Delete:              DeleteHard,
			Sanitizers:          []Sanitizer{StampModified{}, StampOwner{Column: "user_id"}},
			Visibility:          OwnedBy{Column: "user_id"},
		},
		{
			Name:                "prefs_spaced_repetition",
			PrimaryKey:          []string{"user_id", "alg_type"},
			BooleanColumns:      []string{"enable_fuzzing"},
			SupportsIncremental: true,
			Delete:              DeleteHard,
			Sanitizers: []Sanitizer{
				StampModified{},
				StampOwner{Column: "user_id"},
				CoerceNumeric{Columns: []string{"request_retention", "maximum_interval"}},
			},
			Visibility: OwnedBy{Column: "user_id"},
		},
	}
}

// Default returns the application registry.
func Default() *Registry {
	return MustRegistry(DefaultTables()...)
}
