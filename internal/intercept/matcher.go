package intercept

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// Matches reports whether any of the rule's patterns is a substring of rawURL.
// An empty URL never matches.
func Matches(rawURL string, rule ProviderRule) bool {
	if rawURL == "" {
		return false
	}
	for _, p := range rule.URLPatterns {
		if strings.Contains(rawURL, p) {
			return true
		}
	}
	return false
}

// Match returns every rule that matches rawURL, in configuration order.
func (rs RuleSet) Match(rawURL string) []ProviderRule {
	if rawURL == "" {
		return nil
	}
	var out []ProviderRule
	for _, r := range rs {
		if Matches(rawURL, r) {
			out = append(out, r)
		}
	}
	return out
}

// IDs returns the provider identifiers in order.
func (rs RuleSet) IDs() []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

// Validate checks that every rule has an id and at least one non-empty pattern,
// and that ids are unique.
func (rs RuleSet) Validate() error {
	if len(rs) == 0 {
		return types.ErrNoProviders
	}
	seen := make(map[string]bool, len(rs))
	for i, r := range rs {
		if r.ID == "" {
			return fmt.Errorf("%w: rule %d has no id", types.ErrInvalidProviders, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate provider id %q", types.ErrInvalidProviders, r.ID)
		}
		seen[r.ID] = true
		if len(r.URLPatterns) == 0 {
			return fmt.Errorf("%w: provider %q has no url patterns", types.ErrInvalidProviders, r.ID)
		}
		for _, p := range r.URLPatterns {
			if p == "" {
				return fmt.Errorf("%w: provider %q has an empty pattern", types.ErrInvalidProviders, r.ID)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the rule set.
func (rs RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(rs))
	for i, r := range rs {
		out[i] = ProviderRule{
			ID:          r.ID,
			URLPatterns: append([]string(nil), r.URLPatterns...),
		}
	}
	return out
}

// CallTarget extracts the URL string from a call target.
// Strings, *url.URL and *http.Request are understood; anything else, including
// nil values, reports false.
func CallTarget(target any) (string, bool) {
	switch t := target.(type) {
	case string:
		return t, t != ""
	case *url.URL:
		if t == nil {
			return "", false
		}
		s := t.String()
		return s, s != ""
	case *http.Request:
		if t == nil || t.URL == nil {
			return "", false
		}
		s := t.URL.String()
		return s, s != ""
	case fmt.Stringer:
		s := safeString(t)
		return s, s != ""
	default:
		return "", false
	}
}

// safeString calls String on a value that may be a typed nil.
func safeString(s fmt.Stringer) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()
	return s.String()
}
