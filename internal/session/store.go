package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/pairchat/internal/store"
)

const (
	// SessionPrefix is the store key prefix for session records.
	SessionPrefix = "session:"

	// DefaultTTL bounds how long a record outlives a connection that was
	// never cleanly closed.
	DefaultTTL = 2 * time.Hour
)

// Session is the stored per-client record.
type Session struct {
	ID        string   `json:"id"`
	Addr      string   `json:"addr"`
	Interests []string `json:"interests,omitempty"`
	Instance  string   `json:"instance"`
	CreatedAt int64    `json:"created_at"`
}

// Store manages session records in the shared store.
type Store struct {
	kv       store.Store
	instance string
	ttl      time.Duration
}

// NewStore creates a session store that stamps new records with instance.
func NewStore(kv store.Store, instance string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, instance: instance, ttl: ttl}
}

// Create stores a new session for a freshly connected client.
func (s *Store) Create(ctx context.Context, id, addr string) (*Session, error) {
	sess := &Session{
		ID:        id,
		Addr:      addr,
		Instance:  s.instance,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.kv.Get(ctx, SessionPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &sess, nil
}

// SetInterests records the tags of the client's latest find-match so skip can
// re-queue with them. It also refreshes the TTL.
func (s *Store) SetInterests(ctx context.Context, id string, interests []string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session: set interests %s: %w", id, store.ErrNotFound)
	}
	sess.Interests = interests
	return s.put(ctx, sess)
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, id string) error {
	return s.kv.Expire(ctx, SessionPrefix+id, s.ttl)
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Del(ctx, SessionPrefix+id)
}

func (s *Store) put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", sess.ID, err)
	}
	if err := s.kv.Set(ctx, SessionPrefix+sess.ID, string(data), s.ttl); err != nil {
		return fmt.Errorf("session: put %s: %w", sess.ID, err)
	}
	return nil
}
