// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"encoding/json"
)

// SyncRequest is the body of POST /api/sync. A request carries pushed changes, asks for a pull
// page, or both. Identity comes from the bearer token, never from the body.
type SyncRequest struct {
	Changes       []OutboxChange `json:"changes"`
	LastSyncAt    string         `json:"lastSyncAt,omitempty"` // Legacy timestamp cursor, used when pullCursor is empty
	SchemaVersion int            `json:"schemaVersion"`
	PullCursor    string         `json:"pullCursor,omitempty"`
	SyncStartedAt string         `json:"syncStartedAt,omitempty"`
	PageSize      int            `json:"pageSize,omitempty"`
	// CollectionsOverride and GenreFilter can only narrow the computed collections.
	CollectionsOverride map[string][]string `json:"collectionsOverride,omitempty"`
	GenreFilter         []string            `json:"genreFilter,omitempty"`
	PullTables          []string            `json:"pullTables,omitempty"`
	// Pull requests a pull page after the push. A request without changes always pulls.
	Pull bool `json:"pull,omitempty"`
}

// OutboxChange is one collapsed outbox entry.
type OutboxChange struct {
	ID        string          `json:"id,omitempty"`        // Client outbox entry id, echoed in results
	TableName string          `json:"tableName"`           // Registered table name
	RowID     string          `json:"rowId"`               // Raw key or JSON-encoded composite key
	Operation string          `json:"operation"`           // INSERT, UPDATE, DELETE
	ChangedAt string          `json:"changedAt,omitempty"` // Capture time, used as the delete timestamp
	Data      json.RawMessage `json:"data,omitempty"`      // Row image (null for DELETE)
}

// SyncResponse is returned for every sync request.
type SyncResponse struct {
	Changes    []RemoteRow    `json:"changes"`
	Results    []ChangeResult `json:"results,omitempty"`
	Cursor     string         `json:"cursor,omitempty"`     // Position to persist after applying this page
	NextCursor string         `json:"nextCursor,omitempty"` // Present only when more pages remain
	SyncedAt   string         `json:"syncedAt"`
	Debug      []string       `json:"debug,omitempty"`
}

// RemoteRow is one pulled row or deletion.
type RemoteRow struct {
	TableName string          `json:"tableName"`
	RowID     string          `json:"rowId"`
	Operation string          `json:"operation"`
	Deleted   bool            `json:"deleted"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeResult is the per-change push outcome, in request order.
type ChangeResult struct {
	ID        string `json:"id,omitempty"`
	TableName string `json:"tableName"`
	RowID     string `json:"rowId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Notification is broadcast on NotifyChannel and forwarded to realtime subscribers.
type Notification struct {
	UserID   string   `json:"userId"`
	DeviceID string   `json:"deviceId"`
	Tables   []string `json:"tables"`
	At       string   `json:"at"`
}

// SchemaVersionResponse represents the current schema version
type SchemaVersionResponse struct {
	Version int `json:"schema_version"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents service status response
type HealthResponse struct {
	Status           string   `json:"status"`
	AppName          string   `json:"app_name"`
	RegisteredTables []string `json:"registered_tables"`
}
