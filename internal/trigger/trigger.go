// Package trigger decides whether a navigation needs an admission check.
//
// Rules only ever compare against the page path. Anything the matcher does
// not understand (an unknown operator, a URL part other than PageUrl) is a
// non-match, never an error: the conservative default is "do not trigger".
package trigger

import (
	"net/url"
	"strings"

	"github.com/snehjoshi/queuegate/internal/types"
)

// Matches reports whether path satisfies rule.
//
// When rule.IsIgnoreCase is set both operands are upper-cased before the
// comparison, so Matches(p, r) == Matches(strings.ToUpper(p), r).
func Matches(path string, rule types.TriggerRule) bool {
	if rule.URLPart != "" && rule.URLPart != types.URLPartPageURL {
		return false
	}
	value, cmp := path, rule.ValueToCompare
	if rule.IsIgnoreCase {
		value, cmp = strings.ToUpper(value), strings.ToUpper(cmp)
	}
	switch rule.Operator {
	case types.OperatorContains:
		return strings.Contains(value, cmp)
	case types.OperatorEquals:
		return value == cmp
	case types.OperatorStartsWith:
		return strings.HasPrefix(value, cmp)
	default:
		return false
	}
}

// MatchesAny reports whether any of the rules matches path. Triggers within
// one event are OR-combined.
func MatchesAny(path string, rules []types.TriggerRule) bool {
	for _, r := range rules {
		if Matches(path, r) {
			return true
		}
	}
	return false
}

// SelectEvent returns the key of the first event, in declaration order, that
// has a trigger matching path. ok is false when nothing matches.
func SelectEvent(path string, events []types.EventConfig) (key string, ok bool) {
	for _, e := range events {
		if MatchesAny(path, e.Triggers) {
			return e.Key, true
		}
	}
	return "", false
}

// PagePath extracts the path that PageUrl rules compare against. rawURL may
// be an absolute URL or a bare path; unparsable input is used verbatim.
func PagePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Path == "" && u.Host == "" && u.Scheme == "" {
		return rawURL
	}
	return u.Path
}

// MatchURL is SelectEvent applied to the path of a full page URL.
func MatchURL(rawURL string, events []types.EventConfig) (key string, ok bool) {
	return SelectEvent(PagePath(rawURL), events)
}
