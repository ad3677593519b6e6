package ws

import (
	"io"
	"net"
	"testing"
	"time"
)

func pipeConn(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	return newConnection(id, "10.0.0.1", server, time.Second), peer
}

func TestCheckConnections(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
	s := NewServer(cfg, nil)

	var closed []string
	s.SetOnDisconnect(func(c *Connection) { closed = append(closed, c.ID) })

	stale, _ := pipeConn(t, "stale")
	stale.admitted.Store(true)
	stale.lastActive.Store(time.Now().Add(-time.Minute).UnixNano())

	fresh, peer := pipeConn(t, "fresh")
	fresh.admitted.Store(true)
	go io.Copy(io.Discard, peer)

	s.conns.Add(stale)
	s.conns.Add(fresh)

	if n := checkConnections(s, cfg.Heartbeat, time.Now()); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if s.conns.Get("stale") != nil {
		t.Error("stale connection still registered")
	}
	if s.conns.Get("fresh") == nil {
		t.Error("fresh connection evicted")
	}
	if len(closed) != 1 || closed[0] != "stale" {
		t.Errorf("disconnects = %v", closed)
	}
}

func TestConnectionManager_RemoveOnce(t *testing.T) {
	cm := NewConnectionManager()
	c, _ := pipeConn(t, "a")
	cm.Add(c)

	if !cm.Remove("a") {
		t.Fatal("first Remove returned false")
	}
	if cm.Remove("a") {
		t.Error("second Remove returned true")
	}
	if cm.Count() != 0 {
		t.Errorf("Count() = %d", cm.Count())
	}
}
