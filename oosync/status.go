// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import "fmt"

// statusApplied creates a result for a change written to the canonical store
func statusApplied(ch *OutboxChange) ChangeResult {
	return result(ch, StApplied, "", "")
}

// statusConflict reports a change superseded by a newer stored row. Not an error for the caller:
// the next pull delivers the authoritative version.
func statusConflict(ch *OutboxChange) ChangeResult {
	return result(ch, StConflict, ReasonStale, "stored row is newer or equal")
}

// statusDenied reports a delete on a table whose policy forbids it
func statusDenied(ch *OutboxChange) ChangeResult {
	return result(ch, StRejected, ReasonDeny, fmt.Sprintf("%v: table %s", ErrDeleteDenied, ch.TableName))
}

// statusForbidden reports a write to a read-only table or to a row outside the caller's
// write scope
func statusForbidden(ch *OutboxChange) ChangeResult {
	return result(ch, StRejected, ReasonForbidden, fmt.Sprintf("%v: table %s row %s", ErrForbidden, ch.TableName, ch.RowID))
}

// statusInvalid reports a malformed change or a constraint violation
func statusInvalid(ch *OutboxChange, reason string, err error) ChangeResult {
	return result(ch, StInvalid, reason, err.Error())
}

// statusInternalError reports an unexpected failure of a single change
func statusInternalError(ch *OutboxChange, err error) ChangeResult {
	return result(ch, StError, ReasonInternalError, err.Error())
}

func result(ch *OutboxChange, status, reason, msg string) ChangeResult {
	return ChangeResult{
		ID:        ch.ID,
		TableName: ch.TableName,
		RowID:     ch.RowID,
		Status:    status,
		Reason:    reason,
		Message:   msg,
	}
}
