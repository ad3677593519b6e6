package messaging

import (
	"testing"
	"time"
)

// setupTestBus connects to a local NATS server. Tests that call this helper
// are skipped when NATS is not running.
func setupTestBus(t *testing.T) *Bus {
	t.Helper()
	cfg := DefaultConfig("nats://localhost:4222")
	cfg.MaxReconnects = 0
	b, err := Connect(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestSubjects(t *testing.T) {
	if got := DeliverSubject("abc"); got != "client.deliver.abc" {
		t.Errorf("DeliverSubject = %q", got)
	}
	if got := KickSubject("abc"); got != "client.kick.abc" {
		t.Errorf("KickSubject = %q", got)
	}
}

func TestBus_DeliverAndKick(t *testing.T) {
	b := setupTestBus(t)

	type delivery struct {
		data  string
		close bool
	}
	delivered := make(chan delivery, 2)
	kicked := make(chan string, 1)

	err := b.SubscribeClient("c1", Handlers{
		Deliver: func(data []byte, closeAfter bool) { delivered <- delivery{string(data), closeAfter} },
		Kick:    func(reason string) { kicked <- reason },
	})
	if err != nil {
		t.Fatalf("SubscribeClient() error: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	b.Deliver("c1", []byte(`{"type":"pong"}`), false)
	b.Deliver("c1", []byte(`{"type":"banned"}`), true)
	b.Kick("c1", "banned")

	for i, want := range []delivery{{`{"type":"pong"}`, false}, {`{"type":"banned"}`, true}} {
		select {
		case got := <-delivered:
			if got != want {
				t.Errorf("delivery %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d not received", i)
		}
	}
	select {
	case reason := <-kicked:
		if reason != "banned" {
			t.Errorf("kick reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kick not received")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := setupTestBus(t)

	got := make(chan struct{}, 1)
	b.SubscribeClient("c2", Handlers{Deliver: func([]byte, bool) { got <- struct{}{} }})
	b.UnsubscribeClient("c2")
	b.UnsubscribeClient("c2")
	b.Flush()

	b.Deliver("c2", []byte("x"), false)
	b.Flush()
	select {
	case <-got:
		t.Error("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
