// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrSyncInProgress is returned when another sync cycle holds the gate.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned while the client is marked offline.
	ErrOffline = errors.New("client is offline")
	// ErrPushIncomplete aborts a pull while retryable local changes remain unsent,
	// so that pulled rows never overwrite them.
	ErrPushIncomplete = errors.New("push incomplete: retryable local changes remain")
)

// ErrorKind classifies sync failures for retry decisions.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindAuth
	KindConflict
	KindConstraint
	KindDeny
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindConstraint:
		return "constraint"
	case KindDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// SyncError is a classified sync failure.
type SyncError struct {
	Kind   ErrorKind
	Op     string // "push", "pull"
	Status int    // HTTP status when the server answered
	Err    error
}

func (e *SyncError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed (%s, http %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later unchanged.
func (e *SyncError) Retryable() bool {
	return e.Kind == KindNetwork
}

// KindOf returns the kind of a classified error, or KindNetwork for transport failures.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// countsAsAttempt reports whether a failed push request spends an attempt of the entries
// it carried. Only a server that read the batch and refused it does.
func countsAsAttempt(err error) bool {
	return KindOf(err) == KindConstraint
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 409:
		return KindConflict
	case status == 400 || status == 422:
		return KindConstraint
	case status == 408 || status == 429 || status >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}
