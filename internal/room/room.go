// Package room manages paired rooms: the symmetric two-party record and the
// reverse index from each participant to its room. A client is in at most
// one room; Create enforces that atomically.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/pairchat/internal/store"
)

const (
	// KeyRoomPrefix + <room id> holds the JSON room record.
	KeyRoomPrefix = "room:"
	// KeyClientPrefix + <client id> holds the id of the client's room.
	KeyClientPrefix = "room:of:"
	// KeyActive is the set of room ids created by any process.
	KeyActive = "rooms:active"

	// DefaultTTL is the backstop lifetime of a room nobody tore down.
	DefaultTTL = time.Hour
)

// ErrAlreadyPaired is matched by errors.Is for any *AlreadyPairedError.
var ErrAlreadyPaired = errors.New("room: client already paired")

// AlreadyPairedError reports which participant already had a room.
type AlreadyPairedError struct {
	ClientID string
	RoomID   string
}

func (e *AlreadyPairedError) Error() string {
	return fmt.Sprintf("room: client %s already paired in %s", e.ClientID, e.RoomID)
}

func (e *AlreadyPairedError) Is(target error) bool {
	return target == ErrAlreadyPaired
}

// Room is a two-party session.
type Room struct {
	ID        string `json:"id"`
	A         string `json:"a"`
	B         string `json:"b"`
	CreatedAt int64  `json:"created_at"`
}

// Has reports whether id is a participant.
func (r *Room) Has(id string) bool {
	return id == r.A || id == r.B
}

// Partner returns the other participant, or "" if id is not in the room.
func (r *Room) Partner(id string) string {
	switch id {
	case r.A:
		return r.B
	case r.B:
		return r.A
	}
	return ""
}

// Manager creates, looks up and destroys rooms in the shared store.
type Manager struct {
	kv  store.Store
	ttl time.Duration
}

// NewManager creates a room manager whose records expire after ttl.
func NewManager(kv store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{kv: kv, ttl: ttl}
}

// Create pairs a and b in a new room. The record and both reverse-index
// entries are written in one create-if-absent step: if either client already
// maps to a room nothing is written and an *AlreadyPairedError is returned.
func (m *Manager) Create(ctx context.Context, a, b string) (*Room, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("room: create: invalid participants %q, %q", a, b)
	}
	r := &Room{
		ID:        uuid.NewString(),
		A:         a,
		B:         b,
		CreatedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("room: encode: %w", err)
	}

	conflict, err := m.kv.SetAllNX(ctx, []store.KV{
		{Key: KeyClientPrefix + a, Value: r.ID},
		{Key: KeyClientPrefix + b, Value: r.ID},
		{Key: KeyRoomPrefix + r.ID, Value: string(data)},
	}, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("room: create: %w", err)
	}
	if conflict != "" {
		perr := &AlreadyPairedError{ClientID: conflict[len(KeyClientPrefix):]}
		perr.RoomID, _ = m.kv.Get(ctx, conflict)
		return nil, perr
	}

	if err := m.kv.SAdd(ctx, KeyActive, r.ID); err != nil {
		return r, fmt.Errorf("room: track %s: %w", r.ID, err)
	}
	return r, nil
}

// Get returns the room, or nil if it does not exist.
func (m *Manager) Get(ctx context.Context, roomID string) (*Room, error) {
	r, _, err := m.load(ctx, roomID)
	return r, err
}

func (m *Manager) load(ctx context.Context, roomID string) (*Room, string, error) {
	raw, err := m.kv.Get(ctx, KeyRoomPrefix+roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("room: get %s: %w", roomID, err)
	}
	var r Room
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, "", fmt.Errorf("room: decode %s: %w", roomID, err)
	}
	return &r, raw, nil
}

// RoomOf returns the room id the client maps to, or "" if none.
func (m *Manager) RoomOf(ctx context.Context, clientID string) (string, error) {
	id, err := m.kv.Get(ctx, KeyClientPrefix+clientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("room: lookup %s: %w", clientID, err)
	}
	return id, nil
}

// GetForClient returns the client's room, or nil if it is not paired. A
// reverse-index entry pointing at a vanished room is removed.
func (m *Manager) GetForClient(ctx context.Context, clientID string) (*Room, error) {
	roomID, err := m.RoomOf(ctx, clientID)
	if err != nil || roomID == "" {
		return nil, err
	}
	r, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil || !r.Has(clientID) {
		_, _ = m.kv.DelIfEquals(ctx, KeyClientPrefix+clientID, roomID)
		return nil, nil
	}
	return r, nil
}

// Destroy tears the room down and returns it. Reverse-index entries are only
// removed while they still point at this room. Destroying a room that is
// already gone, or losing a race with another Destroy, returns nil so only
// one caller goes on to notify participants.
func (m *Manager) Destroy(ctx context.Context, roomID string) (*Room, error) {
	r, raw, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		_ = m.Untrack(ctx, roomID)
		return nil, nil
	}

	won, err := m.kv.DelIfEquals(ctx, KeyRoomPrefix+roomID, raw)
	if err != nil {
		return nil, fmt.Errorf("room: destroy %s: %w", roomID, err)
	}
	if !won {
		return nil, nil
	}
	for _, id := range []string{r.A, r.B} {
		if _, err := m.kv.DelIfEquals(ctx, KeyClientPrefix+id, roomID); err != nil {
			return r, fmt.Errorf("room: destroy %s: unmap %s: %w", roomID, id, err)
		}
	}
	if err := m.Untrack(ctx, roomID); err != nil {
		return r, err
	}
	return r, nil
}

// Tracked lists the ids of rooms any process created and has not untracked.
func (m *Manager) Tracked(ctx context.Context) ([]string, error) {
	ids, err := m.kv.SMembers(ctx, KeyActive)
	if err != nil {
		return nil, fmt.Errorf("room: list active: %w", err)
	}
	return ids, nil
}

// Untrack removes a room id from the active set.
func (m *Manager) Untrack(ctx context.Context, roomID string) error {
	if err := m.kv.SRem(ctx, KeyActive, roomID); err != nil {
		return fmt.Errorf("room: untrack %s: %w", roomID, err)
	}
	return nil
}

// Count returns the number of tracked rooms.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.kv.SCard(ctx, KeyActive)
}
