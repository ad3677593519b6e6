// Package messaging carries per-client deliveries between pairing processes
// over NATS. A process subscribes to the subjects of every client connected
// to it; any process can then reach that client by publishing.
//
//	client.deliver.<id>  encoded server message, header Close=1 to disconnect after writing
//	client.kick.<id>     disconnect the client; payload is the reason
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	SubjectDeliver = "client.deliver" // + .<client id>
	SubjectKick    = "client.kick"    // + .<client id>

	headerClose = "Close"
)

var log = logrus.WithField("component", "nats")

// DeliverSubject returns the delivery subject for a client.
func DeliverSubject(clientID string) string { return SubjectDeliver + "." + clientID }

// KickSubject returns the kick subject for a client.
func KickSubject(clientID string) string { return SubjectKick + "." + clientID }

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns the connection defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "pairchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Handlers receive traffic addressed to one local client.
type Handlers struct {
	Deliver func(data []byte, closeAfter bool)
	Kick    func(reason string)
}

// Bus publishes to and subscribes on per-client subjects.
type Bus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string][]*nats.Subscription // client id -> deliver, kick
}

// Connect dials NATS and returns a ready bus.
func Connect(cfg Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", cfg.URL, err)
	}
	log.WithField("url", nc.ConnectedUrl()).Info("connected")

	return &Bus{
		conn: nc,
		subs: make(map[string][]*nats.Subscription),
	}, nil
}

// Deliver publishes an encoded message for clientID.
func (b *Bus) Deliver(clientID string, data []byte, closeAfter bool) error {
	msg := nats.NewMsg(DeliverSubject(clientID))
	msg.Data = data
	if closeAfter {
		msg.Header.Set(headerClose, "1")
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("messaging: deliver to %s: %w", clientID, err)
	}
	return nil
}

// Kick asks whichever process holds clientID to disconnect it.
func (b *Bus) Kick(clientID, reason string) error {
	if err := b.conn.Publish(KickSubject(clientID), []byte(reason)); err != nil {
		return fmt.Errorf("messaging: kick %s: %w", clientID, err)
	}
	return nil
}

// SubscribeClient routes clientID's subjects to h. A previous subscription
// for the same client is replaced.
func (b *Bus) SubscribeClient(clientID string, h Handlers) error {
	deliver, err := b.conn.Subscribe(DeliverSubject(clientID), func(m *nats.Msg) {
		if h.Deliver != nil {
			h.Deliver(m.Data, m.Header.Get(headerClose) == "1")
		}
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", clientID, err)
	}
	kick, err := b.conn.Subscribe(KickSubject(clientID), func(m *nats.Msg) {
		if h.Kick != nil {
			h.Kick(string(m.Data))
		}
	})
	if err != nil {
		_ = deliver.Unsubscribe()
		return fmt.Errorf("messaging: subscribe kick %s: %w", clientID, err)
	}

	b.mu.Lock()
	old := b.subs[clientID]
	b.subs[clientID] = []*nats.Subscription{deliver, kick}
	b.mu.Unlock()

	for _, s := range old {
		_ = s.Unsubscribe()
	}
	return nil
}

// UnsubscribeClient drops clientID's subscriptions. Unknown ids are ignored.
func (b *Bus) UnsubscribeClient(clientID string) {
	b.mu.Lock()
	subs := b.subs[clientID]
	delete(b.subs, clientID)
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			log.WithError(err).WithField("client", clientID).Debug("unsubscribe failed")
		}
	}
}

// Flush waits until the server has processed everything published so far.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Close drains all subscriptions and the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, subs := range b.subs {
		for _, s := range subs {
			if err := s.Drain(); err != nil {
				log.WithError(err).WithField("client", id).Debug("drain failed")
			}
		}
	}
	b.subs = make(map[string][]*nats.Subscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		log.WithError(err).Warn("connection drain failed")
	}
	log.Info("bus closed")
}
