// Package ws accepts WebSocket clients, runs one read loop per connection
// and hands complete text frames to a callback. It knows nothing about
// pairing; the connect, message and disconnect hooks carry the application.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/metrics"
)

var log = logrus.WithField("component", "ws")

// MaxFrameSize bounds a single inbound data frame.
const MaxFrameSize = 64 * 1024

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // idle time after which a read fails
	WriteTimeout   time.Duration // deadline for a single frame write
	TrustProxy     bool          // take the client address from X-Forwarded-For
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests on /ws and serves each connection from its
// own goroutine.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	mux          *http.ServeMux
	onConnect    func(c *Connection) bool
	onMessage    func(c *Connection, data []byte)
	onDisconnect func(c *Connection)
	httpServer   *http.Server
	wg           sync.WaitGroup
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from the connection's read
// goroutine for every complete data frame.
func NewServer(config ServerConfig, onMessage func(c *Connection, data []byte)) *Server {
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		mux:       http.NewServeMux(),
		onMessage: onMessage,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnConnect registers the admission hook. It runs after the upgrade and
// registration, so deliveries to the new client already work; returning
// false closes the connection without a disconnect callback.
func (s *Server) SetOnConnect(fn func(c *Connection) bool) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when an admitted
// connection goes away, whatever the cause.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) {
	s.onDisconnect = fn
}

// Handle registers an extra HTTP route next to /ws and /health.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the heartbeat and serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.WithFields(logrus.Fields{
		"addr":      s.config.ListenAddr,
		"max_conns": s.config.MaxConnections,
	}).Info("listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.WithError(err).Debug("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), clientAddr(r, s.config.TrustProxy), conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.Connections.Inc()

	if s.onConnect != nil && !s.onConnect(c) {
		s.RemoveConnection(c)
		return
	}
	c.admitted.Store(true)

	log.WithFields(logrus.Fields{"client": c.ID, "addr": c.Addr, "total": s.conns.Count()}).Debug("connection opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
}

// readLoop reads frames until the connection fails or closes. Control
// frames are answered inline; any frame counts as activity.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).WithField("client", c.ID).Debug("read failed")
			}
			return
		}
		c.Touch()

		if header.OpCode.IsControl() {
			c.writeMu.Lock()
			err := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)(header, reader)
			c.writeMu.Unlock()
			if err != nil {
				// Includes the close handshake.
				return
			}
			continue
		}

		if header.Length > MaxFrameSize {
			log.WithFields(logrus.Fields{"client": c.ID, "size": header.Length}).Info("frame too large, closing")
			return
		}
		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if len(data) == 0 || s.onMessage == nil {
			continue
		}
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. The disconnect callback runs
// once per admitted connection even when several goroutines race here.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Dec()

	if c.admitted.Load() && s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.WithFields(logrus.Fields{"client": c.ID, "total": s.conns.Count()}).Debug("connection closed")
}

// Deliver writes data to the local client id. It returns false if the client
// is not connected to this process. With closeAfter the connection is closed
// after the write.
func (s *Server) Deliver(id string, data []byte, closeAfter bool) bool {
	c := s.conns.Get(id)
	if c == nil {
		return false
	}
	if err := c.WriteMessage(data); err != nil {
		log.WithError(err).WithField("client", id).Debug("write failed, closing")
		s.RemoveConnection(c)
		return true
	}
	if closeAfter {
		_ = c.writeClose("")
		s.RemoveConnection(c)
	}
	return true
}

// Kick closes the local connection of id with reason in the close frame.
func (s *Server) Kick(id, reason string) bool {
	c := s.conns.Get(id)
	if c == nil {
		return false
	}
	_ = c.writeClose(reason)
	s.RemoveConnection(c)
	return true
}

// Broadcast writes data to every admitted local connection.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the registry of local connections.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops accepting requests, then closes every connection, running
// the disconnect callback for each so shared state is cleaned up.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}

	for _, c := range s.conns.All() {
		_ = c.writeClose("server shutting down")
		s.RemoveConnection(c)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		log.Warn("read loops still running at shutdown deadline")
	}

	log.Info("stopped")
	return err
}

// clientAddr returns the address a request is attributed to. Behind a
// trusted proxy that is the first X-Forwarded-For entry.
func clientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
