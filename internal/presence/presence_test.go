package presence

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/whisper/pairchat/internal/store"
)

func TestAddRemove(t *testing.T) {
	kv := store.NewMemory()
	tr := NewTracker(kv)
	ctx := context.Background()

	tr.Add(ctx, "a")
	tr.Add(ctx, "b")

	if !tr.IsOnline(ctx, "a") {
		t.Error("a should be online")
	}
	if got := tr.Count(ctx); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}

	tr.Remove(ctx, "a")
	tr.Remove(ctx, "a")
	if tr.IsOnline(ctx, "a") {
		t.Error("a should be offline after Remove")
	}
	if tr.IsLocal("a") {
		t.Error("a should be gone from the local mirror")
	}
	if got := tr.LocalCount(); got != 1 {
		t.Errorf("LocalCount = %d, want 1", got)
	}
}

func TestIsOnline_SeesOtherProcesses(t *testing.T) {
	kv := store.NewMemory()
	here := NewTracker(kv)
	there := NewTracker(kv)
	ctx := context.Background()

	there.Add(ctx, "remote")

	if !here.IsOnline(ctx, "remote") {
		t.Error("client on another process should be online")
	}
	if here.IsLocal("remote") {
		t.Error("client on another process is not local")
	}
	if got := here.Count(ctx); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestReap_DeadInstance(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	kv := store.NewMemory()
	kv.SetClock(func() time.Time { return now })

	a := NewTracker(kv, WithInstance("a", 10*time.Second))
	b := NewTracker(kv, WithInstance("b", 10*time.Second))
	a.Heartbeat(ctx)
	b.Heartbeat(ctx)
	a.Add(ctx, "x")
	a.Add(ctx, "y")
	b.Add(ctx, "z")

	if reaped, err := b.Reap(ctx); err != nil || len(reaped) != 0 {
		t.Fatalf("Reap() with both alive = %v, %v", reaped, err)
	}

	now = now.Add(11 * time.Second)
	reaped, err := b.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap() error: %v", err)
	}
	sort.Strings(reaped)
	if len(reaped) != 2 || reaped[0] != "x" || reaped[1] != "y" {
		t.Errorf("reaped = %v, want [x y]", reaped)
	}
	if b.IsOnline(ctx, "x") || !b.IsOnline(ctx, "z") {
		t.Error("x should be offline and z online")
	}
	if got := b.Count(ctx); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	// The reaper never reaps itself, even with an expired heartbeat.
	if reaped, _ := b.Reap(ctx); len(reaped) != 0 {
		t.Errorf("second Reap() = %v", reaped)
	}
}

func TestHeartbeat_RefilesLocalClients(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	kv := store.NewMemory()
	kv.SetClock(func() time.Time { return now })

	slow := NewTracker(kv, WithInstance("slow", 10*time.Second))
	other := NewTracker(kv, WithInstance("other", 10*time.Second))
	slow.Heartbeat(ctx)
	slow.Add(ctx, "x")

	now = now.Add(11 * time.Second)
	other.Reap(ctx)
	if other.IsOnline(ctx, "x") {
		t.Fatal("x should be reaped after the missed heartbeat")
	}

	slow.Heartbeat(ctx)
	if !other.IsOnline(ctx, "x") {
		t.Error("heartbeat should put x back online")
	}
	if reaped, _ := other.Reap(ctx); len(reaped) != 0 {
		t.Errorf("Reap() after heartbeat = %v", reaped)
	}
}

func TestNoInstance_NoHeartbeat(t *testing.T) {
	kv := store.NewMemory()
	tr := NewTracker(kv)
	ctx := context.Background()

	tr.Heartbeat(ctx)
	tr.Add(ctx, "x")
	if n, _ := kv.SCard(ctx, InstancesKey); n != 0 {
		t.Errorf("instances = %d, want 0", n)
	}
	if reaped, err := tr.Reap(ctx); err != nil || len(reaped) != 0 {
		t.Errorf("Reap() = %v, %v", reaped, err)
	}
}
