// Package filter decides forward vs. drop for a message unit based on a
// rule's filter spec. Specs are semicolon-separated terms: a bare term is an
// include requirement, a term prefixed with '!' is an exclude. If any exclude
// term matches the unit is dropped regardless of includes.
package filter

import (
	"regexp"
	"strings"
)

type term struct {
	raw string
	re  *regexp.Regexp // nil when the term is a plain substring
}

func (t term) matches(text string) bool {
	if t.re != nil {
		return t.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(t.raw))
}

// Spec is a parsed filter expression. The zero value matches everything.
type Spec struct {
	includes []term
	excludes []term
}

// Parse builds a Spec from a filter string like "A;B;!C". Empty segments are
// ignored. Each term is compiled as a regular expression when it compiles and
// looks like one; otherwise it is a case-insensitive substring.
func Parse(spec string) Spec {
	var s Spec
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		exclude := false
		if strings.HasPrefix(part, "!") {
			exclude = true
			part = strings.TrimSpace(part[1:])
			if part == "" {
				continue
			}
		}
		t := term{raw: part}
		if looksLikeRegex(part) {
			if re, err := regexp.Compile("(?i)" + part); err == nil {
				t.re = re
			}
		}
		if exclude {
			s.excludes = append(s.excludes, t)
		} else {
			s.includes = append(s.includes, t)
		}
	}
	return s
}

// Empty reports whether the Spec has no terms.
func (s Spec) Empty() bool {
	return len(s.includes) == 0 && len(s.excludes) == 0
}

// Matches reports whether a unit with the given text content should be
// forwarded. hasText is false for media-only units; such units never satisfy
// include terms unless mediaPassthrough is set.
func (s Spec) Matches(text string, hasText bool, mediaPassthrough bool) bool {
	if s.Empty() {
		return true
	}
	// Excludes win over includes.
	if hasText {
		for _, t := range s.excludes {
			if t.matches(text) {
				return false
			}
		}
	}
	if len(s.includes) == 0 {
		return true
	}
	if !hasText {
		return mediaPassthrough
	}
	for _, t := range s.includes {
		if t.matches(text) {
			return true
		}
	}
	return false
}

// looksLikeRegex is a cheap check for metacharacters so plain keywords (the
// common case) skip regexp compilation entirely.
func looksLikeRegex(s string) bool {
	return strings.ContainsAny(s, `\.+*?()[]{}^$|`)
}
