// Package client is a WebSocket client for load and end-to-end testing of
// the pairchat server. It connects with gobwas/ws (the same library the
// server uses), records the session handshake and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeFindMatch    = "find_match"
	TypeSkip         = "skip"
	TypeCancelMatch  = "cancel_match"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeSendText     = "send_text"
	TypeReport       = "report"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeWebRTCConfig   = "webrtc_config"
	TypeMatched        = "matched"
	TypeWaiting        = "waiting"
	TypePartnerLeft    = "partner_left"
	TypeTextReceived   = "text_received"
	TypeTextBlocked    = "text_blocked"
	TypeReportAck      = "report_ack"
	TypeStats          = "stats"
	TypeBanned         = "banned"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Event is one server message: its type and the full raw frame.
type Event struct {
	Type string
	Raw  json.RawMessage
	At   time.Time
}

// Decode unmarshals the frame into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user. Messages with a registered handler go
// to it; all others (except stats broadcasts) are queued for Next.
type Client struct {
	conn      net.Conn
	rw        io.ReadWriter
	writeMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(Event)
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	dialed    time.Time
}

// New connects to url and starts reading in the background.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		// The server may write before the handshake response is consumed.
		r = io.MultiReader(br, conn)
	}
	c := &Client{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
		handlers: make(map[string]func(Event)),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		dialed:   time.Now(),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendRaw writes data as-is, for malformed-input checks.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a server message type, replacing any previous
// one. Handlers run on the read goroutine and must not block.
func (c *Client) On(msgType string, handler func(Event)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Next returns the next queued event of one of the given types, dropping
// queued events of other types.
func (c *Client) Next(ctx context.Context, types ...string) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, fmt.Errorf("waiting for %v: %w", types, ctx.Err())
		case ev, ok := <-c.events:
			if !ok {
				return Event{}, fmt.Errorf("waiting for %v: connection closed", types)
			}
			for _, t := range types {
				if ev.Type == t {
					return ev, nil
				}
			}
		}
	}
}

// WaitForSession blocks until the server has assigned a session ID.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.SessionID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Closed is closed when the connection is gone.
func (c *Client) Closed() <-chan struct{} {
	return c.done
}

// SessionID returns the ID assigned by the server, or "" before the
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		ev := Event{Type: envelope.Type, Raw: json.RawMessage(data), At: time.Now()}

		c.mu.Lock()
		if c.metrics.MessagesReceived == 0 {
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + ev.At.Sub(c.dialed)
		}
		c.metrics.MessagesReceived++
		if envelope.Type == TypeSessionCreated {
			c.sessionID = envelope.SessionID
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(ev)
			continue
		}
		if envelope.Type == TypeStats {
			continue
		}
		select {
		case c.events <- ev:
		default:
			// Nobody is consuming; drop rather than stall the socket.
		}
	}
}
