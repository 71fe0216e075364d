// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package synctable

import "strings"

// DefaultPostgresDDL creates the tables of Default in schema. Every statement is idempotent so
// it can run on each server start.
func DefaultPostgresDDL(schema string) string {
	return strings.ReplaceAll(postgresDDL, "{{schema}}", schema)
}

const postgresDDL = `
CREATE SCHEMA IF NOT EXISTS {{schema}};

CREATE TABLE IF NOT EXISTS {{schema}}.genre (
	id          TEXT PRIMARY KEY,
	name        TEXT,
	region      TEXT,
	description TEXT
);

CREATE TABLE IF NOT EXISTS {{schema}}.instrument (
	id               TEXT PRIMARY KEY,
	private_to_user  TEXT,
	instrument       TEXT,
	description      TEXT,
	genre_default    TEXT,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	last_modified_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS {{schema}}.tune (
	id               TEXT PRIMARY KEY,
	title            TEXT,
	type             TEXT,
	structure        TEXT,
	mode             TEXT,
	incipit          TEXT,
	genre            TEXT,
	private_for      TEXT,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	last_modified_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS {{schema}}.playlist (
	playlist_id      TEXT PRIMARY KEY,
	user_ref         TEXT NOT NULL,
	instrument_ref   TEXT,
	name             TEXT,
	genre_default    TEXT,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	last_modified_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS {{schema}}.playlist_tune (
	playlist_ref     TEXT NOT NULL,
	tune_ref         TEXT NOT NULL,
	"current"        TIMESTAMPTZ,
	learned          TIMESTAMPTZ,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	last_modified_at TIMESTAMPTZ,
	PRIMARY KEY (playlist_ref, tune_ref)
);

CREATE TABLE IF NOT EXISTS {{schema}}.practice_record (
	id               TEXT PRIMARY KEY,
	playlist_ref     TEXT NOT NULL,
	tune_ref         TEXT NOT NULL,
	practiced        TIMESTAMPTZ NOT NULL,
	quality          INTEGER,
	"interval"       INTEGER,
	repetitions      INTEGER,
	stability        DOUBLE PRECISION,
	difficulty       DOUBLE PRECISION,
	elapsed_days     INTEGER,
	step             INTEGER,
	due              TIMESTAMPTZ,
	last_modified_at TIMESTAMPTZ,
	UNIQUE (tune_ref, playlist_ref, practiced)
);

CREATE TABLE IF NOT EXISTS {{schema}}.note (
	id               TEXT PRIMARY KEY,
	user_ref         TEXT,
	tune_ref         TEXT,
	playlist_ref     TEXT,
	note_text        TEXT,
	public           BOOLEAN NOT NULL DEFAULT FALSE,
	favorite         BOOLEAN NOT NULL DEFAULT FALSE,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	last_modified_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS {{schema}}.reference (
	id               TEXT PRIMARY KEY,
	url              TEXT,
	ref_type         TEXT,
	tune_ref         TEXT,
	user_ref         TEXT,
	title            TEXT,
	comment          TEXT,
	public           BOOLEAN NOT NULL DEFAULT FALSE,
	favorite         BOOLEAN NOT NULL DEFAULT FALSE,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	last_modified_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS {{schema}}.tag (
	id               TEXT PRIMARY KEY,
	user_ref         TEXT NOT NULL,
	tune_ref         TEXT NOT NULL,
	tag_text         TEXT NOT NULL,
	last_modified_at TIMESTAMPTZ,
	UNIQUE (user_ref, tune_ref, tag_text)
);

CREATE TABLE IF NOT EXISTS {{schema}}.user_genre_selection (
	user_id          TEXT NOT NULL,
	genre_id         TEXT NOT NULL,
	last_modified_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, genre_id)
);

CREATE TABLE IF NOT EXISTS {{schema}}.prefs_spaced_repetition (
	user_id           TEXT NOT NULL,
	alg_type          TEXT NOT NULL,
	fsrs_weights      TEXT,
	request_retention DOUBLE PRECISION,
	maximum_interval  INTEGER,
	enable_fuzzing    BOOLEAN,
	last_modified_at  TIMESTAMPTZ,
	PRIMARY KEY (user_id, alg_type)
);
`

// DefaultSQLiteDDL creates the default business tables in a local SQLite database. Booleans are
// integers and timestamps are text, as the client stores them.
const DefaultSQLiteDDL = `
CREATE TABLE IF NOT EXISTS genre (
	id          TEXT PRIMARY KEY,
	name        TEXT,
	region      TEXT,
	description TEXT
);

CREATE TABLE IF NOT EXISTS instrument (
	id               TEXT PRIMARY KEY,
	private_to_user  TEXT,
	instrument       TEXT,
	description      TEXT,
	genre_default    TEXT,
	deleted          INTEGER NOT NULL DEFAULT 0,
	last_modified_at TEXT
);

CREATE TABLE IF NOT EXISTS tune (
	id               TEXT PRIMARY KEY,
	title            TEXT,
	type             TEXT,
	structure        TEXT,
	mode             TEXT,
	incipit          TEXT,
	genre            TEXT,
	private_for      TEXT,
	deleted          INTEGER NOT NULL DEFAULT 0,
	last_modified_at TEXT
);

CREATE TABLE IF NOT EXISTS playlist (
	playlist_id      TEXT PRIMARY KEY,
	user_ref         TEXT,
	instrument_ref   TEXT,
	name             TEXT,
	genre_default    TEXT,
	deleted          INTEGER NOT NULL DEFAULT 0,
	last_modified_at TEXT
);

CREATE TABLE IF NOT EXISTS playlist_tune (
	playlist_ref     TEXT NOT NULL,
	tune_ref         TEXT NOT NULL,
	"current"        TEXT,
	learned          TEXT,
	deleted          INTEGER NOT NULL DEFAULT 0,
	last_modified_at TEXT,
	PRIMARY KEY (playlist_ref, tune_ref)
);

CREATE TABLE IF NOT EXISTS practice_record (
	id               TEXT PRIMARY KEY,
	playlist_ref     TEXT NOT NULL,
	tune_ref         TEXT NOT NULL,
	practiced        TEXT NOT NULL,
	quality          INTEGER,
	"interval"       INTEGER,
	repetitions      INTEGER,
	stability        REAL,
	difficulty       REAL,
	elapsed_days     INTEGER,
	step             INTEGER,
	due              TEXT,
	last_modified_at TEXT,
	UNIQUE (tune_ref, playlist_ref, practiced)
);

CREATE TABLE IF NOT EXISTS note (
	id               TEXT PRIMARY KEY,
	user_ref         TEXT,
	tune_ref         TEXT,
	playlist_ref     TEXT,
	note_text        TEXT,
	public           INTEGER NOT NULL DEFAULT 0,
	favorite         INTEGER NOT NULL DEFAULT 0,
	deleted          INTEGER NOT NULL DEFAULT 0,
	last_modified_at TEXT
);

CREATE TABLE IF NOT EXISTS reference (
	id               TEXT PRIMARY KEY,
	url              TEXT,
	ref_type         TEXT,
	tune_ref         TEXT,
	user_ref         TEXT,
	title            TEXT,
	comment          TEXT,
	public           INTEGER NOT NULL DEFAULT 0,
	favorite         INTEGER NOT NULL DEFAULT 0,
	deleted          INTEGER NOT NULL DEFAULT 0,
	last_modified_at TEXT
);

CREATE TABLE IF NOT EXISTS tag (
	id               TEXT PRIMARY KEY,
	user_ref         TEXT,
	tune_ref         TEXT,
	tag_text         TEXT,
	last_modified_at TEXT,
	UNIQUE (user_ref, tune_ref, tag_text)
);

CREATE TABLE IF NOT EXISTS user_genre_selection (
	user_id          TEXT NOT NULL,
	genre_id         TEXT NOT NULL,
	last_modified_at TEXT,
	PRIMARY KEY (user_id, genre_id)
);

CREATE TABLE IF NOT EXISTS prefs_spaced_repetition (
	user_id           TEXT NOT NULL,
	alg_type          TEXT NOT NULL,
	fsrs_weights      TEXT,
	request_retention REAL,
	maximum_interval  INTEGER,
	enable_fuzzing    INTEGER,
	last_modified_at  TEXT,
	PRIMARY KEY (user_id, alg_type)
);
`
