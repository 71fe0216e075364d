// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package synctable

// Visibility decides which canonical rows a caller may pull. The set of variants is closed;
// the server translates each one into a SQL predicate.
type Visibility interface {
	// Collections lists the named collections the rule needs computed for the caller.
	Collections() []string
	// Shared reports whether rows can be visible to users other than the writer, which
	// decides whether another user's tombstones are delivered.
	Shared() bool
	isVisibility()
}

// OwnedBy: rows whose Column equals the caller's user id.
type OwnedBy struct {
	Column string
}

// OwnedOrPublic: rows owned by the caller, or rows whose nullable owner Column is null.
type OwnedOrPublic struct {
	Column string
}

// InCollection: rows whose Column value is in the caller's named collection.
type InCollection struct {
	Column     string
	Collection string
}

// InCategory: rows whose category, found by joining RefColumn to Catalog.CatalogKey and
// reading CategoryColumn, is in the caller's Collection. An empty Catalog means the
// category is a column of the table itself (RefColumn).
type InCategory struct {
	RefColumn      string
	Catalog        string
	CatalogKey     string
	CategoryColumn string
	Collection     string
}

// Public: every row is visible. Used for catalog tables the settings UI must list in full.
type Public struct{}

// AnyOf: visible when any of the rules admits the row.
type AnyOf []Visibility

// AllOf: visible when every rule admits the row.
type AllOf []Visibility

func (OwnedBy) Collections() []string       { return nil }
func (OwnedOrPublic) Collections() []string { return nil }
func (v InCollection) Collections() []string {
	return []string{v.Collection}
}
func (v InCategory) Collections() []string {
	return []string{v.Collection}
}
func (Public) Collections() []string { return nil }
func (v AnyOf) Collections() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range v {
		for _, c := range r.Collections() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func (v AllOf) Collections() []string { return AnyOf(v).Collections() }

func (OwnedBy) Shared() bool       { return false }
func (OwnedOrPublic) Shared() bool { return true }
func (InCollection) Shared() bool  { return false }
func (InCategory) Shared() bool    { return true }
func (Public) Shared() bool        { return true }
func (v AnyOf) Shared() bool {
	for _, r := range v {
		if r.Shared() {
			return true
		}
	}
	return false
}

// Shared for AllOf is true only if every member is shared.
func (v AllOf) Shared() bool {
	for _, r := range v {
		if !r.Shared() {
			return false
		}
	}
	return len(v) > 0
}

func (OwnedBy) isVisibility()       {}
func (OwnedOrPublic) isVisibility() {}
func (InCollection) isVisibility()  {}
func (InCategory) isVisibility()    {}
func (Public) isVisibility()        {}
func (AnyOf) isVisibility()         {}
func (AllOf) isVisibility()         {}

// WriteRule narrows v to the rows a caller may create, change or delete: rows they own,
// directly or through a collection. Public and category grants only ever give read access,
// so a nil result means the table accepts no pushes.
func WriteRule(v Visibility) Visibility {
	switch r := v.(type) {
	case OwnedBy, InCollection:
		return r
	case OwnedOrPublic:
		return OwnedBy{Column: r.Column}
	case AnyOf:
		out := writeMembers(r)
		if len(out) == 0 {
			return nil
		}
		if len(out) == 1 {
			return out[0]
		}
		return AnyOf(out)
	case AllOf:
		out := writeMembers(r)
		if len(out) == 0 {
			return nil
		}
		if len(out) == 1 {
			return out[0]
		}
		return AllOf(out)
	default:
		return nil
	}
}

func writeMembers(rules []Visibility) []Visibility {
	var out []Visibility
	for _, r := range rules {
		if w := WriteRule(r); w != nil {
			out = append(out, w)
		}
	}
	return out
}
