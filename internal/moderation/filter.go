// Package moderation screens chat text before it is relayed. A message is
// either allowed or blocked; nothing is rewritten.
package moderation

import (
	"strings"
)

// DefaultTerms is the denylist used by NewFilter.
var DefaultTerms = []string{"spam", "advertisement", "promo", "buy now", "click here"}

// FilterResult is the outcome of a Check.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the denylisted term or the spam check name
}

// Options configures a Filter.
type Options struct {
	// Enabled turns the filter on. A disabled filter never blocks.
	Enabled bool
	// Terms is the denylist. Matching is a case-insensitive substring test.
	Terms []string
	// SpamPatterns adds the URL, phone number and flooding checks.
	SpamPatterns bool
	// Leet also matches terms against a copy of the text with digit and
	// symbol substitutions undone ("pr0m0" reads as "promo").
	Leet bool
}

// Filter checks text against a denylist and optional spam patterns. It is
// safe for concurrent use.
type Filter struct {
	enabled bool
	terms   []string
	spam    bool
	leet    bool
}

// New builds a Filter from opts. Terms are lower-cased and trimmed; empty
// terms are dropped.
func New(opts Options) *Filter {
	f := &Filter{enabled: opts.Enabled, spam: opts.SpamPatterns, leet: opts.Leet}
	seen := make(map[string]struct{}, len(opts.Terms))
	for _, t := range opts.Terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		f.terms = append(f.terms, t)
	}
	return f
}

// NewFilter returns an enabled filter with the default denylist.
func NewFilter() *Filter {
	return New(Options{Enabled: true, Terms: DefaultTerms})
}

// NewFilterWithTerms returns an enabled filter with the given denylist and
// both spam patterns and leet matching switched on.
func NewFilterWithTerms(terms []string) *Filter {
	return New(Options{Enabled: true, Terms: terms, SpamPatterns: true, Leet: true})
}

// Enabled reports whether the filter blocks anything at all.
func (f *Filter) Enabled() bool {
	return f.enabled
}

// Check screens text. Keyword matches take priority over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if !f.enabled || text == "" {
		return FilterResult{}
	}

	if term, ok := f.matchTerm(text); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	if f.spam {
		return f.checkSpamPatterns(text)
	}
	return FilterResult{}
}

// CheckInterests returns the interest tags that pass the keyword check, in
// their original order.
func (f *Filter) CheckInterests(interests []string) []string {
	clean := make([]string, 0, len(interests))
	for _, tag := range interests {
		if f.enabled {
			if _, ok := f.matchTerm(tag); ok {
				continue
			}
		}
		clean = append(clean, tag)
	}
	return clean
}

// matchTerm returns the first denylisted term found in text, checking both
// the lower-cased text and, with leet matching on, its normalised form.
func (f *Filter) matchTerm(text string) (string, bool) {
	lower := strings.ToLower(text)
	leet := lower
	if f.leet {
		leet = normalizeLeet(lower)
	}
	for _, term := range f.terms {
		if strings.Contains(lower, term) || strings.Contains(leet, term) {
			return term, true
		}
	}
	return "", false
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// normalizeLeet maps common character substitutions back to letters.
func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}
