// Package aclmatch compiles a token's ACL rules into a decision function and
// answers whether a required ACL is allowed.
//
// Rules:
//   - "*" matches exactly one dot-separated segment.
//   - "#" matches zero or more segments, greedily-minimal.
//   - "me" substitutes the token's auth_id when it appears as a whole
//     dot-bounded segment (never mid-segment, e.g. "named" must stay intact).
//   - A rule prefixed with "!" is a negative (denial) rule; negatives are
//     checked before positives and win on any match.
//
// Grounded on original_source/wazo_auth/token.py's
// _transform_acl_to_regex / matches_required_acl.
package aclmatch

import (
	"regexp"
	"strings"
)

// Matcher holds the compiled positive and negative rule regexes for one
// token. Compilation happens once, at construction, not per Matches call.
type Matcher struct {
	positive []*regexp.Regexp
	negative []*regexp.Regexp
}

// New compiles a matcher from a token's ACL list and the auth_id substituted
// for the "me" pseudo-identifier. Duplicate rules are compiled once.
func New(acls []string, authID string) *Matcher {
	m := &Matcher{}

	seenPos := make(map[string]bool)
	seenNeg := make(map[string]bool)

	for _, acl := range acls {
		if strings.HasPrefix(acl, "!") {
			rule := acl[1:]
			if seenNeg[rule] {
				continue
			}
			seenNeg[rule] = true
			m.negative = append(m.negative, compile(rule, authID))
		} else {
			if seenPos[acl] {
				continue
			}
			seenPos[acl] = true
			m.positive = append(m.positive, compile(acl, authID))
		}
	}

	return m
}

// Matches reports whether required is allowed by this matcher.
//
// An empty or absent required ACL is always allowed. Negative rules are
// checked first and deny unconditionally on match; otherwise any matching
// positive rule allows.
func (m *Matcher) Matches(required string) bool {
	if required == "" {
		return true
	}

	for _, re := range m.negative {
		if re.MatchString(required) {
			return false
		}
	}

	for _, re := range m.positive {
		if re.MatchString(required) {
			return true
		}
	}

	return false
}

// compile turns one ACL pattern into an anchored regex, substituting
// wildcards and the "me" pseudo-identifier.
func compile(acl, authID string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(acl)

	// QuoteMeta escapes '*' to "\*" but leaves '#' as is; turn both into
	// their wildcard semantics.
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]*?`)
	escaped = strings.ReplaceAll(escaped, `#`, `.*?`)

	escaped = substituteMe(escaped, authID)

	return regexp.MustCompile("^" + escaped + "$")
}

// substituteMe rewrites whole-segment "me" occurrences — bounded by "." on
// both sides, or by "." and end-of-string — into "(me|<authID>)". A "me"
// that is part of a larger segment (e.g. "named") is left untouched because
// the substitution only fires on the literal "\.me\." / trailing "\.me"
// shapes produced after regexp.QuoteMeta.
func substituteMe(escapedACL, authID string) string {
	out := strings.ReplaceAll(escapedACL, `\.me\.`, `\.(me|`+authID+`)\.`)
	if strings.HasSuffix(out, `\.me`) {
		out = strings.TrimSuffix(out, `\.me`) + `\.(me|` + authID + `)`
	}
	return out
}
