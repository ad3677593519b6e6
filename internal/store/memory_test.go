package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedMemory(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemory()
	m.SetClock(clock.Now)
	return m, clock
}

func TestMemory_GetSetExpiry(t *testing.T) {
	m, clock := newClockedMemory(t)
	ctx := context.Background()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get(k) = %q, %v; want %q", got, err, "v")
	}

	ttl, err := m.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl != time.Minute {
		t.Errorf("TTL = %v, want %v", ttl, time.Minute)
	}

	clock.Advance(time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry err = %v, want ErrNotFound", err)
	}
}

func TestMemory_NoExpiry(t *testing.T) {
	m, clock := newClockedMemory(t)
	ctx := context.Background()

	m.Set(ctx, "k", "v", 0)
	clock.Advance(24 * time.Hour)

	ttl, err := m.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl != -time.Second {
		t.Errorf("TTL = %v, want -1s for persistent key", ttl)
	}
}

func TestMemory_Incr(t *testing.T) {
	m, clock := newClockedMemory(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := m.Incr(ctx, "c")
		if err != nil {
			t.Fatalf("Incr() error: %v", err)
		}
		if got != want {
			t.Errorf("Incr() = %d, want %d", got, want)
		}
	}

	// Expire then increment again: the window restarts from one.
	m.Expire(ctx, "c", time.Second)
	clock.Advance(time.Second)
	got, _ := m.Incr(ctx, "c")
	if got != 1 {
		t.Errorf("Incr() after expiry = %d, want 1", got)
	}

	m.SAdd(ctx, "s", "a")
	if _, err := m.Incr(ctx, "s"); !errors.Is(err, ErrWrongType) {
		t.Errorf("Incr(set) err = %v, want ErrWrongType", err)
	}
}

func TestMemory_Sets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SAdd(ctx, "s", "a", "b", "c", "a")
	n, _ := m.SCard(ctx, "s")
	if n != 3 {
		t.Fatalf("SCard = %d, want 3", n)
	}

	ok, _ := m.SIsMember(ctx, "s", "b")
	if !ok {
		t.Error("expected b to be a member")
	}

	m.SRem(ctx, "s", "b")
	members, _ := m.SMembers(ctx, "s")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "a" || members[1] != "c" {
		t.Errorf("SMembers = %v, want [a c]", members)
	}

	m.SRem(ctx, "s", "a", "c")
	if _, err := m.TTL(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Error("expected empty set to be removed")
	}

	members, err := m.SMembers(ctx, "nope")
	if err != nil || len(members) != 0 {
		t.Errorf("SMembers(missing) = %v, %v; want empty", members, err)
	}
}

func TestMemory_ClaimAll(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "e:1", "x", time.Minute)
	m.Set(ctx, "e:2", "y", time.Minute)
	m.SAdd(ctx, "waiting", "1", "2", "3")

	ok, err := m.ClaimAll(ctx, []string{"e:1", "e:2"}, "waiting", []string{"1", "2"})
	if err != nil || !ok {
		t.Fatalf("ClaimAll() = %v, %v; want true", ok, err)
	}
	if _, err := m.Get(ctx, "e:1"); !errors.Is(err, ErrNotFound) {
		t.Error("e:1 should be deleted")
	}
	members, _ := m.SMembers(ctx, "waiting")
	if len(members) != 1 || members[0] != "3" {
		t.Errorf("waiting = %v, want [3]", members)
	}

	// Second claim loses: the keys are gone.
	ok, _ = m.ClaimAll(ctx, []string{"e:1", "e:2"}, "waiting", []string{"1", "2"})
	if ok {
		t.Error("second ClaimAll should fail")
	}
}

func TestMemory_ClaimAll_PartialMissing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "e:1", "x", time.Minute)
	m.SAdd(ctx, "waiting", "1")

	ok, _ := m.ClaimAll(ctx, []string{"e:1", "e:2"}, "waiting", []string{"1", "2"})
	if ok {
		t.Fatal("ClaimAll should fail when one key is missing")
	}
	if _, err := m.Get(ctx, "e:1"); err != nil {
		t.Errorf("e:1 must be untouched on a failed claim, got %v", err)
	}
	isMember, _ := m.SIsMember(ctx, "waiting", "1")
	if !isMember {
		t.Error("waiting set must be untouched on a failed claim")
	}
}

func TestMemory_SetAllNX(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	conflict, err := m.SetAllNX(ctx, []KV{{"a", "1"}, {"b", "1"}}, time.Minute)
	if err != nil || conflict != "" {
		t.Fatalf("SetAllNX() = %q, %v; want no conflict", conflict, err)
	}

	conflict, _ = m.SetAllNX(ctx, []KV{{"c", "2"}, {"b", "2"}}, time.Minute)
	if conflict != "b" {
		t.Errorf("conflict = %q, want %q", conflict, "b")
	}
	if _, err := m.Get(ctx, "c"); !errors.Is(err, ErrNotFound) {
		t.Error("nothing may be written on conflict")
	}
	if v, _ := m.Get(ctx, "b"); v != "1" {
		t.Errorf("b = %q, want original value", v)
	}
}

func TestMemory_DelIfEquals(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", "room-1", 0)
	if ok, _ := m.DelIfEquals(ctx, "k", "room-2"); ok {
		t.Error("DelIfEquals with wrong value must not delete")
	}
	if ok, _ := m.DelIfEquals(ctx, "k", "room-1"); !ok {
		t.Error("DelIfEquals with matching value should delete")
	}
	if ok, _ := m.DelIfEquals(ctx, "k", "room-1"); ok {
		t.Error("second DelIfEquals should be a no-op")
	}
}

func TestMemory_ConcurrentClaimSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Set(ctx, "e:p", "x", time.Minute)

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := m.ClaimAll(ctx, []string{"e:p"}, "waiting", []string{"p"})
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestMemory_PurgeExpired(t *testing.T) {
	m, clock := newClockedMemory(t)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		key := "rl:match:" + strconv.Itoa(i)
		m.Incr(ctx, key)
		m.Expire(ctx, key, time.Minute)
	}
	m.Set(ctx, "session:keep", "v", 48*time.Hour)
	m.SAdd(ctx, "online", "a")

	clock.Advance(24 * time.Hour)
	if got := m.PurgeExpired(); got != 1000 {
		t.Errorf("PurgeExpired() = %d, want 1000", got)
	}
	if got := m.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if v, err := m.Get(ctx, "session:keep"); err != nil || v != "v" {
		t.Errorf("Get(session:keep) = %q, %v", v, err)
	}
	if got := m.PurgeExpired(); got != 0 {
		t.Errorf("second PurgeExpired() = %d, want 0", got)
	}
}

func TestMemory_StartJanitor(t *testing.T) {
	m, clock := newClockedMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Set(ctx, "k", "v", time.Second)
	clock.Advance(time.Minute)
	m.StartJanitor(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not purge the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
