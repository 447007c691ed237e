// Package search implements the small query-term matcher backing
// GET /resources/list?search=..., grounded in
// original_source/lib/pdm-search/src/lib.rs.
package search

import "strings"

// Term is a single parsed query term: either a bare substring match or a
// key:value tag match, optionally negated.
type Term struct {
	Key      string // empty for a bare substring term
	Value    string
	Negate   bool
	Optional bool
}

// Search is a parsed query string: a set of required terms (every one must
// match) and a set of optional terms (at least one must match, unless
// there are none).
type Search struct {
	Required []Term
	Optional []Term
}

// Parse splits a comma-separated query string into required and optional
// terms. A term starting with '!' is negated. A term containing ':' is a
// key:value tag match; otherwise it is a bare substring match against
// freeText. A bare term defaults to optional; a '+' prefix (with something
// following it) makes a term required — matching SearchTerm::from in
// original_source/lib/pdm-search/src/lib.rs exactly, rather than inventing
// a grammar of our own.
func Parse(query string) Search {
	var s Search
	for _, raw := range strings.Split(query, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		optional := true
		if rest, ok := strings.CutPrefix(raw, "+"); ok && rest != "" {
			optional = false
			raw = rest
		}
		negate := false
		if strings.HasPrefix(raw, "!") {
			negate = true
			raw = raw[1:]
		}
		var term Term
		if key, value, ok := strings.Cut(raw, ":"); ok {
			term = Term{Key: key, Value: value, Negate: negate, Optional: optional}
		} else {
			term = Term{Value: raw, Negate: negate, Optional: optional}
		}
		if optional {
			s.Optional = append(s.Optional, term)
		} else {
			s.Required = append(s.Required, term)
		}
	}
	return s
}

// Matches reports whether the given tags and free-text label satisfy this
// search: every required term matches, and (there are no optional terms,
// or at least one does).
func (s Search) Matches(tags map[string]string, freeText string) bool {
	for _, t := range s.Required {
		if !matchTerm(t, tags, freeText) {
			return false
		}
	}
	if len(s.Optional) == 0 {
		return true
	}
	for _, t := range s.Optional {
		if matchTerm(t, tags, freeText) {
			return true
		}
	}
	return false
}

func matchTerm(t Term, tags map[string]string, freeText string) bool {
	var matched bool
	if t.Key != "" {
		v, ok := tags[t.Key]
		matched = ok && strings.Contains(v, t.Value)
	} else {
		matched = strings.Contains(freeText, t.Value)
	}
	if t.Negate {
		return !matched
	}
	return matched
}
