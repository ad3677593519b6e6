package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/whisper/pairchat/internal/store"
)

const (
	// KeyWaiting is the set of ids of waiting clients.
	KeyWaiting = "queue:waiting"
	// KeyEntryPrefix + <client id> holds the JSON queue entry.
	KeyEntryPrefix = "queue:entry:"

	// DefaultQueueTTL bounds how long an abandoned entry can be matched.
	DefaultQueueTTL = 5 * time.Minute
)

// ErrClaimLost is returned by Claim when either entry was already taken.
var ErrClaimLost = errors.New("matching: queue entry already claimed")

// QueueEntry is a waiting client's request.
type QueueEntry struct {
	ClientID   string   `json:"client_id"`
	Interests  []string `json:"interests"`
	EnqueuedAt int64    `json:"enqueued_at"` // unix milliseconds
}

// Queue manages the waiting set and the per-client entries in the store.
type Queue struct {
	kv  store.Store
	ttl time.Duration
}

// NewQueue creates a queue on kv whose entries expire after ttl.
func NewQueue(kv store.Store, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}
	return &Queue{kv: kv, ttl: ttl}
}

// Enqueue adds or replaces the client's entry and marks it waiting.
func (q *Queue) Enqueue(ctx context.Context, clientID string, interests []string) error {
	entry := QueueEntry{
		ClientID:   clientID,
		Interests:  interests,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("matching: encode entry %s: %w", clientID, err)
	}
	if err := q.kv.Set(ctx, KeyEntryPrefix+clientID, string(data), q.ttl); err != nil {
		return fmt.Errorf("matching: enqueue %s: %w", clientID, err)
	}
	if err := q.kv.SAdd(ctx, KeyWaiting, clientID); err != nil {
		return fmt.Errorf("matching: enqueue %s: %w", clientID, err)
	}
	return nil
}

// Dequeue removes the client from the queue. Removing an absent client is a
// no-op.
func (q *Queue) Dequeue(ctx context.Context, clientID string) error {
	if err := q.kv.Del(ctx, KeyEntryPrefix+clientID); err != nil {
		return fmt.Errorf("matching: dequeue %s: %w", clientID, err)
	}
	if err := q.kv.SRem(ctx, KeyWaiting, clientID); err != nil {
		return fmt.Errorf("matching: dequeue %s: %w", clientID, err)
	}
	return nil
}

// GetEntry returns the client's entry, or nil if it is not queued.
func (q *Queue) GetEntry(ctx context.Context, clientID string) (*QueueEntry, error) {
	raw, err := q.kv.Get(ctx, KeyEntryPrefix+clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: get entry %s: %w", clientID, err)
	}
	var entry QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("matching: decode entry %s: %w", clientID, err)
	}
	return &entry, nil
}

// IsQueued reports whether the client has a live entry.
func (q *Queue) IsQueued(ctx context.Context, clientID string) (bool, error) {
	entry, err := q.GetEntry(ctx, clientID)
	return entry != nil, err
}

// Entries returns every live entry except exclude's, oldest first. Waiting
// members whose entry has expired are skipped; Prune removes them.
func (q *Queue) Entries(ctx context.Context, exclude string) ([]QueueEntry, error) {
	ids, err := q.kv.SMembers(ctx, KeyWaiting)
	if err != nil {
		return nil, fmt.Errorf("matching: list waiting: %w", err)
	}
	entries := make([]QueueEntry, 0, len(ids))
	for _, id := range ids {
		if id == exclude {
			continue
		}
		entry, err := q.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt != entries[j].EnqueuedAt {
			return entries[i].EnqueuedAt < entries[j].EnqueuedAt
		}
		return entries[i].ClientID < entries[j].ClientID
	})
	return entries, nil
}

// Size returns the number of waiting clients.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.kv.SCard(ctx, KeyWaiting)
}

// Claim atomically removes both clients from the queue. It succeeds only if
// both entries still exist, so of several requesters racing for the same
// partner exactly one wins; the others get ErrClaimLost.
func (q *Queue) Claim(ctx context.Context, requesterID, partnerID string) error {
	ok, err := q.kv.ClaimAll(ctx,
		[]string{KeyEntryPrefix + partnerID, KeyEntryPrefix + requesterID},
		KeyWaiting,
		[]string{partnerID, requesterID},
	)
	if err != nil {
		return fmt.Errorf("matching: claim %s+%s: %w", requesterID, partnerID, err)
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}

// Prune removes waiting members whose entry has expired or for which alive
// returns false. It returns the number removed.
func (q *Queue) Prune(ctx context.Context, alive func(clientID string) bool) (int, error) {
	ids, err := q.kv.SMembers(ctx, KeyWaiting)
	if err != nil {
		return 0, fmt.Errorf("matching: list waiting: %w", err)
	}
	removed := 0
	for _, id := range ids {
		queued, err := q.IsQueued(ctx, id)
		if err != nil {
			continue
		}
		if queued && alive(id) {
			continue
		}
		if err := q.Dequeue(ctx, id); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}
