package matching

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTags is the most interest tags a single request may carry.
	MaxTags = 10
	// MaxTagLen is the maximum tag length in runes; longer tags are cut.
	MaxTagLen = 32
)

// NormalizeTags trims, lower-cases and de-duplicates raw interest tags,
// dropping empties and keeping at most MaxTags in their original order.
func NormalizeTags(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > MaxTagLen {
			t = string([]rune(t)[:MaxTagLen])
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// Score is the number of distinct tags a and b have in common.
func Score(a, b []string) int {
	return len(SharedTags(a, b))
}

// SharedTags returns the distinct tags present in both a and b, sorted.
func SharedTags(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	var shared []string
	for _, t := range b {
		if _, ok := set[t]; ok {
			shared = append(shared, t)
			delete(set, t)
		}
	}
	sort.Strings(shared)
	return shared
}
