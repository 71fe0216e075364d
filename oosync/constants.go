// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

// Operation constants for change operations
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Status constants for per-change push results
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StRejected = "rejected"
	StInvalid  = "invalid"
	StError    = "error"
)

// Reason constants attached to non-applied results
const (
	ReasonDeny              = "deny"
	ReasonForbidden         = "forbidden"
	ReasonStale             = "stale"
	ReasonBadPayload        = "bad_payload"
	ReasonBadKey            = "bad_key"
	ReasonConstraint        = "constraint"
	ReasonInternalError     = "internal_error"
	ReasonUnregisteredTable = "unregistered_table"
	ReasonBatchTooLarge     = "batch_too_large"
)

// Pull paging limits
const (
	DefaultPageSize = 500
	MaxPageSize     = 5000
)

// NotifyChannel is the PostgreSQL LISTEN/NOTIFY channel announcing committed pushes.
const NotifyChannel = "oosync_changes"
