package sweeper

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/presence"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/room"
	"github.com/whisper/pairchat/internal/store"
)

func p(id string, connected, mapped bool) Participant {
	return Participant{ID: id, Connected: connected, Mapped: mapped}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name string
		obs  RoomObservation
		want Action
	}{
		{"record gone", RoomObservation{Exists: false}, Action{Verdict: Untrack}},
		{"both alive", RoomObservation{Exists: true, A: p("a", true, true), B: p("b", true, true)},
			Action{Verdict: Keep}},
		{"neither connected", RoomObservation{Exists: true, A: p("a", false, true), B: p("b", false, true)},
			Action{Verdict: Destroy}},
		{"neither mapped", RoomObservation{Exists: true, A: p("a", true, false), B: p("b", true, false)},
			Action{Verdict: Destroy}},
		{"only a alive", RoomObservation{Exists: true, A: p("a", true, true), B: p("b", false, true)},
			Action{Verdict: Destroy, Notify: []string{"a"}}},
		{"only b alive", RoomObservation{Exists: true, A: p("a", true, false), B: p("b", true, true)},
			Action{Verdict: Destroy, Notify: []string{"b"}}},
		{"crossed halves", RoomObservation{Exists: true, A: p("a", true, false), B: p("b", false, true)},
			Action{Verdict: Destroy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Plan(tt.obs); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Plan() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

type onlineSet map[string]bool

func (s onlineSet) IsOnline(_ context.Context, id string) bool { return s[id] }

type recorder []relay.Delivery

func (r *recorder) Emit(_ context.Context, d relay.Delivery) { *r = append(*r, d) }

type fixture struct {
	kv      *store.Memory
	rooms   *room.Manager
	queue   *matching.Queue
	online  onlineSet
	emitted *recorder
	sweeper *Sweeper
	changes int
}

func setup(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	f := &fixture{kv: store.NewMemory(), online: onlineSet{}, emitted: &recorder{}}
	f.rooms = room.NewManager(f.kv, time.Hour)
	f.queue = matching.NewQueue(f.kv, time.Minute)
	f.sweeper = New(f.rooms, f.online, f.queue, f.emitted, time.Second)
	f.sweeper.OnChange = func() { f.changes++ }
	return f, context.Background()
}

func TestSweep_KeepsHealthyRoom(t *testing.T) {
	f, ctx := setup(t)
	r, _ := f.rooms.Create(ctx, "x", "y")
	f.online["x"], f.online["y"] = true, true

	res := f.sweeper.Sweep(ctx)
	if res.Destroyed != 0 || res.Checked != 1 {
		t.Errorf("Sweep() = %+v", res)
	}
	if got, _ := f.rooms.Get(ctx, r.ID); got == nil {
		t.Error("healthy room was destroyed")
	}
	if f.changes != 0 {
		t.Error("OnChange must not fire when nothing changed")
	}
}

func TestSweep_DestroysHalfDeadRoomAndNotifiesSurvivor(t *testing.T) {
	f, ctx := setup(t)
	r, _ := f.rooms.Create(ctx, "x", "y")
	f.online["x"] = true

	res := f.sweeper.Sweep(ctx)
	if res.Destroyed != 1 {
		t.Fatalf("Sweep() = %+v, want one destroyed", res)
	}
	if got, _ := f.rooms.Get(ctx, r.ID); got != nil {
		t.Error("room should be gone")
	}
	if rid, _ := f.rooms.RoomOf(ctx, "x"); rid != "" {
		t.Errorf("x still mapped to %q", rid)
	}
	if len(*f.emitted) != 1 || (*f.emitted)[0].To != "x" || (*f.emitted)[0].Event.Type != protocol.TypePartnerLeft {
		t.Errorf("emitted = %+v, want partner_left to x", *f.emitted)
	}
	if f.changes != 1 {
		t.Errorf("OnChange called %d times, want 1", f.changes)
	}
}

func TestSweep_DeadRoomNoNotify(t *testing.T) {
	f, ctx := setup(t)
	f.rooms.Create(ctx, "x", "y")

	res := f.sweeper.Sweep(ctx)
	if res.Destroyed != 1 {
		t.Fatalf("Sweep() = %+v", res)
	}
	if len(*f.emitted) != 0 {
		t.Errorf("nobody is connected, got %+v", *f.emitted)
	}
	if n, _ := f.rooms.Count(ctx); n != 0 {
		t.Errorf("tracked rooms = %d, want 0", n)
	}
}

func TestSweep_UntracksVanishedRecord(t *testing.T) {
	f, ctx := setup(t)
	f.kv.SAdd(ctx, room.KeyActive, "ghost")

	res := f.sweeper.Sweep(ctx)
	if res.Untracked != 1 {
		t.Errorf("Sweep() = %+v, want one untracked", res)
	}
	if n, _ := f.rooms.Count(ctx); n != 0 {
		t.Errorf("tracked rooms = %d, want 0", n)
	}
}

func TestSweep_RemappedParticipantKeepsNewRoom(t *testing.T) {
	f, ctx := setup(t)
	old, _ := f.rooms.Create(ctx, "x", "y")
	// y's index now points elsewhere (left and re-paired).
	f.kv.Set(ctx, room.KeyClientPrefix+"y", "newer", 0)
	f.online["x"], f.online["y"] = true, true

	f.sweeper.Sweep(ctx)
	if got, _ := f.rooms.Get(ctx, old.ID); got != nil {
		t.Error("stale room should be destroyed")
	}
	if rid, _ := f.rooms.RoomOf(ctx, "y"); rid != "newer" {
		t.Errorf("y mapping = %q, want newer", rid)
	}
	if len(*f.emitted) != 1 || (*f.emitted)[0].To != "x" {
		t.Errorf("emitted = %+v, want only x notified", *f.emitted)
	}
}

func TestSweep_Converges(t *testing.T) {
	f, ctx := setup(t)
	f.rooms.Create(ctx, "a", "b")
	f.rooms.Create(ctx, "c", "d")
	f.online["a"], f.online["b"], f.online["c"] = true, true, true

	f.sweeper.Sweep(ctx)
	second := f.sweeper.Sweep(ctx)
	if second.Destroyed != 0 || second.Untracked != 0 {
		t.Errorf("second sweep changed state: %+v", second)
	}
	if n, _ := f.rooms.Count(ctx); n != 1 {
		t.Errorf("tracked rooms = %d, want 1", n)
	}
}

func TestSweep_PrunesQueue(t *testing.T) {
	f, ctx := setup(t)
	f.queue.Enqueue(ctx, "live", nil)
	f.queue.Enqueue(ctx, "gone", nil)
	f.online["live"] = true

	res := f.sweeper.Sweep(ctx)
	if res.Dequeued != 1 {
		t.Errorf("Dequeued = %d, want 1", res.Dequeued)
	}
	if ok, _ := f.queue.IsQueued(ctx, "live"); !ok {
		t.Error("live client was pruned")
	}
	if f.changes != 1 {
		t.Errorf("OnChange called %d times, want 1", f.changes)
	}
}

func TestSweep_ReapsCrashedInstance(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	kv := store.NewMemory()
	kv.SetClock(func() time.Time { return now })

	crashed := presence.NewTracker(kv, presence.WithInstance("proc-a", 30*time.Second))
	live := presence.NewTracker(kv, presence.WithInstance("proc-b", 30*time.Second))
	crashed.Heartbeat(ctx)
	live.Heartbeat(ctx)
	crashed.Add(ctx, "a")
	crashed.Add(ctx, "c")
	live.Add(ctx, "b")

	rooms := room.NewManager(kv, time.Hour)
	queue := matching.NewQueue(kv, time.Hour)
	r, _ := rooms.Create(ctx, "a", "b")
	queue.Enqueue(ctx, "c", nil)

	emitted := &recorder{}
	sw := New(rooms, live, queue, emitted, time.Second)

	if res := sw.Sweep(ctx); res.Reaped != 0 || res.Destroyed != 0 {
		t.Fatalf("sweep while proc-a is alive = %+v", res)
	}

	// proc-a stops heartbeating; proc-b keeps going.
	now = now.Add(31 * time.Second)
	live.Heartbeat(ctx)

	res := sw.Sweep(ctx)
	if res.Reaped != 2 || res.Destroyed != 1 || res.Dequeued != 1 {
		t.Errorf("Sweep() = %+v, want 2 reaped, 1 destroyed, 1 dequeued", res)
	}
	if got, _ := rooms.Get(ctx, r.ID); got != nil {
		t.Error("room with a dead participant should be destroyed")
	}
	if len(*emitted) != 1 || (*emitted)[0].To != "b" || (*emitted)[0].Event.Type != protocol.TypePartnerLeft {
		t.Errorf("emitted = %+v, want partner_left to b", *emitted)
	}
	if got := live.Count(ctx); got != 1 {
		t.Errorf("online count = %d, want 1", got)
	}

	if res := sw.Sweep(ctx); res.changed() {
		t.Errorf("second sweep changed state: %+v", res)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f, _ := setup(t)
	f.sweeper.interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
