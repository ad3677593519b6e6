package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/whisper/pairchat/internal/store"
)

var testRule = Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l := NewLimiter(store.NewMemory())
	ctx := context.Background()

	for i := 1; i <= testRule.Limit; i++ {
		if ok, _ := l.Allow(ctx, "c1", testRule); !ok {
			t.Fatalf("hit %d should be allowed", i)
		}
	}
	ok, retry := l.Allow(ctx, "c1", testRule)
	if ok {
		t.Fatal("hit over the limit should be rejected")
	}
	if retry <= 0 || retry > testRule.Window {
		t.Errorf("retryAfter = %v, want (0, %v]", retry, testRule.Window)
	}

	// Other identifiers are independent.
	if ok, _ := l.Allow(ctx, "c2", testRule); !ok {
		t.Error("c2 should not share c1's counter")
	}
}

func TestAllow_WindowResets(t *testing.T) {
	now := time.Unix(1700000000, 0)
	mem := store.NewMemory()
	mem.SetClock(func() time.Time { return now })
	l := NewLimiter(mem)
	ctx := context.Background()

	for i := 0; i < testRule.Limit+1; i++ {
		l.Allow(ctx, "c1", testRule)
	}
	if ok, _ := l.Allow(ctx, "c1", testRule); ok {
		t.Fatal("expected rejection inside the window")
	}

	now = now.Add(testRule.Window + time.Second)
	if ok, _ := l.Allow(ctx, "c1", testRule); !ok {
		t.Error("expected a fresh window after expiry")
	}
}

// brokenStore fails every counter operation.
type brokenStore struct {
	*store.Memory
}

func (brokenStore) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllow_FailsOpen(t *testing.T) {
	l := NewLimiter(brokenStore{store.NewMemory()})
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow(context.Background(), "c1", testRule); !ok {
			t.Fatal("store errors must not reject")
		}
	}
}

func TestAllow_NilLimiter(t *testing.T) {
	var l *Limiter
	if ok, _ := l.Allow(context.Background(), "c1", testRule); !ok {
		t.Error("nil limiter must allow")
	}
}
