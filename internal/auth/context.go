// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller of a sync request in its context.
package auth

import (
	"context"
	"log/slog"
)

type identityKey struct{}

// Identity is the user and device a bearer token was issued for. Every row a request
// touches is scoped to UserID; DeviceID tags the changes it pushes.
type Identity struct {
	UserID   string
	DeviceID string
}

// Valid reports whether both halves are present.
func (id Identity) Valid() bool {
	return id.UserID != "" && id.DeviceID != ""
}

// LogValue keeps request logs short.
func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(slog.String("user", id.UserID), slog.String("device", id.DeviceID))
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity. ok is false when none was stored
// or it is incomplete.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Valid()
}

// UserID is shorthand for FromContext(ctx).UserID.
func UserID(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	return id.UserID, ok
}

// DeviceID is shorthand for FromContext(ctx).DeviceID.
func DeviceID(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	return id.DeviceID, ok
}
