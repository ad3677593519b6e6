package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entryKind int

const (
	kindString entryKind = iota
	kindSet
)

type entry struct {
	kind      entryKind
	str       string
	set       map[string]struct{}
	expiresAt time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// DefaultJanitorInterval is how often Open purges expired Memory entries.
const DefaultJanitorInterval = time.Minute

// Memory is a process-local Store. It honours the same TTL and atomicity
// contract as Redis. Expiry is applied on access, and keys nobody reads
// again are removed by PurgeExpired, which StartJanitor runs periodically.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]*entry),
		now:  time.Now,
	}
}

// SetClock replaces the time source. Intended for tests that exercise expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

var _ Store = (*Memory)(nil)

// PurgeExpired deletes every entry whose TTL has elapsed and returns how many
// were removed.
func (m *Memory) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries held, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// StartJanitor purges expired entries every interval until ctx is done.
func (m *Memory) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultJanitorInterval
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.PurgeExpired(); n > 0 {
					log.WithField("purged", n).Debug("expired entries removed")
				}
			}
		}
	}()
}

// lookup returns the live entry for key, dropping it if expired. Caller
// holds m.mu.
func (m *Memory) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.kind != kindString {
		return "", ErrWrongType
	}
	return e.str, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &entry{kind: kindString, str: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(m.data, key)
		return nil
	}
	e.expiresAt = m.now().Add(ttl)
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return -time.Second, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		m.data[key] = &entry{kind: kindString, str: "1"}
		return 1, nil
	}
	if e.kind != kindString {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

// setFor returns the set stored at key, creating it when create is true.
// Caller holds m.mu.
func (m *Memory) setFor(key string, create bool) (map[string]struct{}, error) {
	e := m.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		m.data[key] = e
	}
	if e.kind != kindSet {
		return nil, ErrWrongType
	}
	return e.set, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.setFor(key, true)
	if err != nil {
		return err
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.srem(key, members)
}

func (m *Memory) srem(key string, members []string) error {
	set, err := m.setFor(key, false)
	if err != nil || set == nil {
		return err
	}
	for _, mem := range members {
		delete(set, mem)
	}
	if len(set) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.setFor(key, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.setFor(key, false)
	if err != nil {
		return false, err
	}
	_, ok := set[member]
	return ok, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.setFor(key, false)
	if err != nil {
		return 0, err
	}
	return int64(len(set)), nil
}

func (m *Memory) ClaimAll(_ context.Context, keys []string, set string, members []string) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if m.lookup(k) == nil {
			return false, nil
		}
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	if err := m.srem(set, members); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) SetAllNX(_ context.Context, pairs []KV, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pairs {
		if m.lookup(p.Key) != nil {
			return p.Key, nil
		}
	}
	exp := m.expiry(ttl)
	for _, p := range pairs {
		m.data[p.Key] = &entry{kind: kindString, str: p.Value, expiresAt: exp}
	}
	return "", nil
}

func (m *Memory) DelIfEquals(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.kind != kindString || e.str != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
