package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one WebSocket client. Writes are serialized by a mutex so
// frames from the read loop, the heartbeat and other goroutines never
// interleave.
type Connection struct {
	ID        string   // client ID (UUID)
	Addr      string   // client address used for bans and connect limits
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastActive   atomic.Int64 // unix nanos of the last frame read
	admitted     atomic.Bool  // accepted by the connect hook
}

func newConnection(id, addr string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Addr:         addr,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive is the time of the last frame read.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func() error {
		return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	})
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}

// writeClose sends a close frame with a normal-closure status.
func (c *Connection) writeClose(reason string) error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)))
	})
}

func (c *Connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of the connections held by
// this process, keyed by client ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters the connection and closes it. It returns false if the
// connection was already gone, so only one caller performs cleanup.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast writes msg to every admitted connection. Write errors are
// ignored; the read loop notices broken connections.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		if conn.admitted.Load() {
			_ = conn.WriteMessage(msg)
		}
	}
}

// All returns a snapshot of the registered connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
