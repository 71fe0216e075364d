// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package synctable

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the canonical UTC text form used on the wire and in SQLite.
// The fixed fraction width keeps lexicographic order equal to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the textual forms produced by SQLite, PostgreSQL and JavaScript
// clients. Values without a zone are taken as UTC.
func ParseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", x)
	case float64:
		return time.UnixMilli(int64(x)).UTC(), nil
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized timestamp %q", x.String())
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// ToBool converts the representations used for boolean columns.
func ToBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return false, err
		}
		return f != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "t", "true", "yes":
			return true, nil
		case "0", "f", "false", "no", "":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", x)
	case []byte:
		return ToBool(string(x))
	default:
		return false, fmt.Errorf("unsupported boolean type %T", v)
	}
}

// ToRemote converts a local row into the shape the canonical store expects:
// booleans as bool, timestamps normalized to UTC, then the table's Normalize hook.
func (t *Table) ToRemote(row Row) (Row, error) {
	out := row.Clone()
	for col, v := range out {
		if v == nil {
			continue
		}
		switch {
		case t.IsBoolean(col):
			b, err := ToBool(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, col, err)
			}
			out[col] = b
		case t.IsTimestamp(col):
			ts, err := ParseTimestamp(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, col, err)
			}
			out[col] = FormatTimestamp(ts)
		}
	}
	if t.Normalize != nil {
		out = t.Normalize(out)
	}
	return out, nil
}

// ToLocal converts a canonical row into SQLite representation: booleans as 0/1 and
// timestamps in TimestampLayout.
func (t *Table) ToLocal(row Row) (Row, error) {
	out := row.Clone()
	for col, v := range out {
		if v == nil {
			continue
		}
		switch {
		case t.IsBoolean(col):
			b, err := ToBool(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, col, err)
			}
			if b {
				out[col] = int64(1)
			} else {
				out[col] = int64(0)
			}
		case t.IsTimestamp(col):
			ts, err := ParseTimestamp(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, col, err)
			}
			out[col] = FormatTimestamp(ts)
		case isComposite(v):
			// jsonb objects and arrays are stored as text locally
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, col, err)
			}
			out[col] = string(b)
		}
	}
	return out, nil
}

// ParseNumeric turns a stringified number into int64 or float64.
func ParseNumeric(s string) (any, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}
