package model

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// identitySep joins the normalized address and unit in an identity key.
const identitySep = "|"

// Identity builds the normalized (address, unit) key. Both parts are
// Unicode case-folded and whitespace-collapsed, so "10  Main St" / "2A" and
// "10 main st" / "2a" resolve to the same entity.
func Identity(address, unit string) string {
	return normalizeSpace(address) + identitySep + normalizeSpace(unit)
}

// SplitIdentity returns the normalized address and unit of an identity key.
func SplitIdentity(id string) (address, unit string) {
	address, unit, _ = strings.Cut(id, identitySep)
	return address, unit
}

// normalizeSpace case-folds s and collapses every run of whitespace to a single space.
func normalizeSpace(s string) string {
	// cases.Caser is stateful, so a fresh one per call.
	folded := cases.Fold().String(s)
	return strings.Join(strings.Fields(folded), " ")
}

// Union returns the sorted, de-duplicated union of the given string sets.
// Empty strings are dropped. The result is nil when every input is empty.
func Union(sets ...[]string) []string {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, s := range set {
			if s == "" {
				continue
			}
			seen[s] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether set holds s.
func Contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
