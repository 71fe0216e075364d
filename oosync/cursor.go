// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tunetrees/oosync/synctable"
)

const (
	phaseRows       = "rows"
	phaseTombstones = "tombstones"
)

// pullCursor is the opaque pull position handed to clients as base64 JSON.
//
// A walk visits the selected tables in registry order, each in two phases: visible rows, then
// tombstones. Since is exclusive and Until inclusive; Until is frozen when the walk starts so
// that rows written meanwhile land in the next walk. A finished walk is a cursor with only
// Since set (to the previous Until), so Since never moves backwards.
//
// Scope fingerprints the caller's collections as of the walk start. When the next walk sees a
// different fingerprint it sets Rescan, and collection-scoped tables are then read from the
// beginning: rows that just entered a collection keep their old change times.
type pullCursor struct {
	Since  string   `json:"since,omitempty"`
	Until  string   `json:"until,omitempty"`
	Table  string   `json:"table,omitempty"`
	Phase  string   `json:"phase,omitempty"`
	TS     string   `json:"ts,omitempty"`
	Key    []string `json:"key,omitempty"`
	Tomb   int64    `json:"tomb,omitempty"`
	Scope  string   `json:"scope,omitempty"`
	Rescan bool     `json:"rescan,omitempty"`
}

func (c pullCursor) inWalk() bool {
	return c.Table != ""
}

// rowsSince is the lower bound of the rows phase for t.
func (c pullCursor) rowsSince(t *synctable.Table) string {
	if c.Rescan && len(t.Visibility.Collections()) > 0 {
		return ""
	}
	return c.Since
}

func (c pullCursor) encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (pullCursor, error) {
	var c pullCursor
	if s == "" {
		return c, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: malformed pull cursor", ErrBadPayload)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: malformed pull cursor", ErrBadPayload)
	}
	if c.inWalk() && c.Until == "" {
		return c, fmt.Errorf("%w: pull cursor without window", ErrBadPayload)
	}
	if c.Phase != "" && c.Phase != phaseRows && c.Phase != phaseTombstones {
		return c, fmt.Errorf("%w: unknown cursor phase %q", ErrBadPayload, c.Phase)
	}
	return c, nil
}
