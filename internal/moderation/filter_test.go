package moderation

import (
	"strings"
	"testing"
	"time"
)

func TestNewFilter(t *testing.T) {
	f := NewFilter()
	if f == nil {
		t.Fatal("NewFilter returned nil")
	}
	if len(f.terms) != len(DefaultTerms) {
		t.Fatalf("NewFilter has %d terms, want %d", len(f.terms), len(DefaultTerms))
	}
	if f.spam {
		t.Error("NewFilter should not enable spam patterns")
	}
}

func TestCheck_DefaultDenylist(t *testing.T) {
	f := NewFilter()

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"upper case", "this is SPAM", true, "spam"},
		{"phrase", "Buy Now while stocks last", true, "buy now"},
		{"click here", "just click here", true, "click here"},
		{"substring", "spammy stuff", true, "spam"},
		{"inside word", "mypromocode", true, "promo"},
		{"advertisement", "an ADVERTISEMENT", true, "advertisement"},
		{"leet is plain text by default", "pr0m0 c0de", false, ""},
		{"clean", "hello there", false, ""},
		{"split phrase", "buy it now", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason != "blocked_keyword" {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, "blocked_keyword")
			}
		})
	}
}

func TestCheck_Leet(t *testing.T) {
	plain := New(Options{Enabled: true, Terms: DefaultTerms})
	leet := New(Options{Enabled: true, Terms: DefaultTerms, Leet: true})

	for _, msg := range []string{"5p4m", "pr0m0 c0de", "cl1ck h3r3"} {
		if r := plain.Check(msg); r.Blocked {
			t.Errorf("plain filter blocked %q (%+v)", msg, r)
		}
		if r := leet.Check(msg); !r.Blocked || r.Reason != "blocked_keyword" {
			t.Errorf("leet filter Check(%q) = %+v, want blocked_keyword", msg, r)
		}
	}
	if r := leet.Check("hello there"); r.Blocked {
		t.Errorf("leet filter blocked clean text (%+v)", r)
	}
}

func TestCheck_Disabled(t *testing.T) {
	f := New(Options{Enabled: false, Terms: DefaultTerms, SpamPatterns: true})

	for _, msg := range []string{"this is SPAM", "visit http://evil.com", "aaaaaaaa"} {
		if r := f.Check(msg); r.Blocked {
			t.Errorf("disabled filter blocked %q (%+v)", msg, r)
		}
	}
	if f.Enabled() {
		t.Error("Enabled() = true, want false")
	}
}

func TestCheck_CleanMessages(t *testing.T) {
	f := NewFilter()

	messages := []string{
		"hello, how are you?",
		"nice weather today",
		"what are your hobbies?",
		"I love programming",
		"do you like music?",
		"",
	}

	for _, msg := range messages {
		if result := f.Check(msg); result.Blocked {
			t.Errorf("Check(%q) was blocked (term=%q), expected clean", msg, result.Term)
		}
	}
}

func TestNew_TermsNormalised(t *testing.T) {
	f := New(Options{Enabled: true, Terms: []string{"", "  ", "Valid", "valid "}})

	if len(f.terms) != 1 || f.terms[0] != "valid" {
		t.Errorf("terms = %q, want [valid]", f.terms)
	}
	if !f.Check("VALID").Blocked {
		t.Error("expected normalised term to match")
	}
}

func TestCheckInterests(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "promo"})

	clean := f.CheckInterests([]string{"music", "badword", "movies", "promotions", "programming"})

	expected := []string{"music", "movies", "programming"}
	if len(clean) != len(expected) {
		t.Fatalf("CheckInterests returned %v, want %v", clean, expected)
	}
	for i, want := range expected {
		if clean[i] != want {
			t.Errorf("clean[%d] = %q, want %q", i, clean[i], want)
		}
	}

	if got := f.CheckInterests(nil); len(got) != 0 {
		t.Errorf("CheckInterests(nil) = %v, want empty", got)
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"h3ll0", "hello"},
		{"$p@m", "spam"},
		{"pr0m0", "promo"},
		{"cl!ck", "click"},
	}

	for _, tt := range tests {
		if got := normalizeLeet(tt.input); got != tt.want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilterWithTerms(DefaultTerms)
	msg := "hey how are you doing today? I love chatting about music and movies. What are your favorite hobbies?"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}

func BenchmarkCheck_LongMessage(b *testing.B) {
	f := NewFilterWithTerms(DefaultTerms)
	msg := strings.Repeat("this is a perfectly normal message with no bad content. ", 40)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}

// TestPerformance keeps Check well under a millisecond per message.
func TestPerformance(t *testing.T) {
	f := NewFilterWithTerms(DefaultTerms)
	msg := "hey how are you doing today? I love chatting about music and movies. What are your favorite hobbies?"

	const iterations = 1000
	start := time.Now()
	for i := 0; i < iterations; i++ {
		f.Check(msg)
	}
	avg := time.Since(start) / iterations
	t.Logf("average Check latency: %v", avg)

	if avg > time.Millisecond {
		t.Errorf("Check latency %v exceeds 1ms", avg)
	}
}
