package matching

import (
	"context"
	"math/rand/v2"
)

// CandidateSource lists the waiting entries a requester may be matched with.
type CandidateSource interface {
	Entries(ctx context.Context, exclude string) ([]QueueEntry, error)
}

// Picker chooses a uniformly random index in [0, n).
type Picker interface {
	IntN(n int) int
}

type globalPicker struct{}

func (globalPicker) IntN(n int) int { return rand.IntN(n) }

// Match is the engine's choice of partner for a requester.
type Match struct {
	PartnerID       string
	SharedInterests []string
	Score           int
	Random          bool // chosen by the random fallback

	// The partner's queue entry as read, for re-queueing and wait metrics.
	PartnerInterests []string
	EnqueuedAt       int64
}

// Engine selects partners by interest overlap with a random fallback. It
// only reads the queue; claiming the chosen partner is the caller's job.
type Engine struct {
	source CandidateSource
	picker Picker
}

// NewEngine creates an engine over source. A nil picker uses math/rand/v2.
func NewEngine(source CandidateSource, picker Picker) *Engine {
	if picker == nil {
		picker = globalPicker{}
	}
	return &Engine{source: source, picker: picker}
}

// FindMatch picks a partner for requesterID among the other waiting clients.
// The candidate with the strictly highest overlap wins, the earliest-read
// candidate breaking ties. With no tags, or no candidate sharing any tag, a
// candidate is chosen uniformly at random. ok is false when nobody else is
// waiting.
func (e *Engine) FindMatch(ctx context.Context, requesterID string, tags []string) (m Match, ok bool, err error) {
	candidates, err := e.source.Entries(ctx, requesterID)
	if err != nil {
		return Match{}, false, err
	}
	if len(candidates) == 0 {
		return Match{}, false, nil
	}

	if len(tags) > 0 {
		best, bestScore := -1, 0
		for i, c := range candidates {
			if s := Score(tags, c.Interests); s > bestScore {
				best, bestScore = i, s
			}
		}
		if best >= 0 {
			c := candidates[best]
			return Match{
				PartnerID:        c.ClientID,
				SharedInterests:  SharedTags(tags, c.Interests),
				Score:            bestScore,
				PartnerInterests: c.Interests,
				EnqueuedAt:       c.EnqueuedAt,
			}, true, nil
		}
	}

	c := candidates[e.picker.IntN(len(candidates))]
	return Match{
		PartnerID:        c.ClientID,
		Random:           true,
		PartnerInterests: c.Interests,
		EnqueuedAt:       c.EnqueuedAt,
	}, true, nil
}
