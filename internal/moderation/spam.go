package moderation

import (
	"regexp"
	"strings"
)

const (
	// charFloodRun is the shortest run of one repeated character that counts
	// as flooding.
	charFloodRun = 5
	// wordFloodRun is the shortest run of one repeated word that counts as
	// flooding.
	wordFloodRun = 3
)

var (
	// urlPattern matches scheme URLs, www. hosts and bare domains followed by
	// a path. Bare domains need the "/" so "v2.0" and "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567 and
	// similar, bounded by whitespace so short numbers are not caught.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamPatterns are evaluated in order; the first hit decides the Term.
var spamPatterns = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// hasCharFlood reports a run of charFloodRun identical runes. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	run := 0
	var prev rune = -1
	for _, r := range text {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood reports wordFloodRun consecutive case-insensitive repeats of
// one whitespace-delimited word.
func hasWordFlood(text string) bool {
	words := strings.Fields(text)
	run := 0
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w == prev {
			run++
		} else {
			prev, run = w, 1
		}
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, p := range spamPatterns {
		if p.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: p.name}
		}
	}
	return FilterResult{}
}
