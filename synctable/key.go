// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package synctable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeyPart is one column of a row identity.
type KeyPart struct {
	Column string
	Value  string
}

// Key identifies a row by its primary key columns, in the table's declared key order.
//
// Single-column keys encode as the raw value. Composite keys encode as a JSON object with
// sorted column names and string values, which is also what the capture triggers produce
// with json_object(), so both sides agree on one row_id per row.
type Key []KeyPart

// Encode returns the wire/outbox form of the key.
func (k Key) Encode() string {
	switch len(k) {
	case 0:
		return ""
	case 1:
		return k[0].Value
	}
	parts := make([]KeyPart, len(k))
	copy(parts, k)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Column < parts[j].Column })

	var b strings.Builder
	b.WriteByte('{')
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, p.Column)
		b.WriteByte(':')
		writeJSONString(&b, p.Value)
	}
	b.WriteByte('}')
	return b.String()
}

func (k Key) String() string { return k.Encode() }

// writeJSONString quotes s without HTML escaping, matching SQLite's json_quote.
func writeJSONString(b *strings.Builder, s string) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	b.Write(bytes.TrimRight(buf.Bytes(), "\n"))
}

// Equal compares column by column. Column order must match.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// Values returns the key values in key order.
func (k Key) Values() []string {
	out := make([]string, len(k))
	for i, p := range k {
		out[i] = p.Value
	}
	return out
}

// Get returns the value of a key column.
func (k Key) Get(column string) (string, bool) {
	for _, p := range k {
		if p.Column == column {
			return p.Value, true
		}
	}
	return "", false
}

// DecodeKey parses an encoded row id against the table's primary key.
func (t *Table) DecodeKey(s string) (Key, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty row id for %s", ErrBadKey, t.Name)
	}
	if !t.IsComposite() {
		return Key{{Column: t.PrimaryKey[0], Value: s}}, nil
	}

	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %s row id is not a JSON object: %v", ErrBadKey, t.Name, err)
	}
	if len(raw) != len(t.PrimaryKey) {
		return nil, fmt.Errorf("%w: %s row id has %d columns, want %d", ErrBadKey, t.Name, len(raw), len(t.PrimaryKey))
	}
	key := make(Key, 0, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		v, ok := raw[col]
		if !ok {
			return nil, fmt.Errorf("%w: %s row id missing column %s", ErrBadKey, t.Name, col)
		}
		text, ok := FormatValue(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s row id column %s is null", ErrBadKey, t.Name, col)
		}
		key = append(key, KeyPart{Column: col, Value: text})
	}
	return key, nil
}

// KeyOf extracts the primary key from a row.
func (t *Table) KeyOf(row Row) (Key, error) {
	key := make(Key, 0, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		text, ok := FormatValue(row[col])
		if !ok {
			return nil, fmt.Errorf("%w: %s row missing key column %s", ErrBadKey, t.Name, col)
		}
		key = append(key, KeyPart{Column: col, Value: text})
	}
	return key, nil
}

// FormatValue renders a key value as text the same way SQLite's CAST(x AS TEXT) and
// PostgreSQL's x::text do for the types used in keys. Whole floats render as integers
// because JSON decoding turns every number into float64.
func FormatValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return x.String(), true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return FormatValue(float64(x))
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		if x {
			return "1", true
		}
		return "0", true
	case time.Time:
		return FormatTimestamp(x), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}
