// Package pairing is the per-process orchestrator. It turns client events
// (connect, find_match, skip, signal, report, disconnect) into store
// operations and returns the deliveries the transport must make. Handlers do
// not write to sockets.
package pairing

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/presence"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/report"
	"github.com/whisper/pairchat/internal/room"
	"github.com/whisper/pairchat/internal/session"
)

var log = logrus.WithField("component", "pairing")

// WaitingMessage accompanies every waiting event.
const WaitingMessage = "Looking for a match..."

// Error codes specific to pairing, sent in error events.
const (
	CodeAlreadyPaired = "already_paired"
	CodeInvalidReport = "invalid_report"
)

// Config holds the tunables of the orchestrator.
type Config struct {
	MatchRetries    int
	BanDuration     time.Duration
	ReportThreshold int
	ICEServers      []webrtc.ICEServer
}

// AuditLog records accepted reports. *report.Store satisfies it.
type AuditLog interface {
	Create(ctx context.Context, r *report.Report) error
}

// Deps are the stores and helpers the service drives. Filter, Limiter and
// Audit may be nil.
type Deps struct {
	Sessions *session.Store
	Presence *presence.Tracker
	Queue    *matching.Queue
	Engine   *matching.Engine
	Rooms    *room.Manager
	Relay    *relay.Relay
	Bans     *ban.Store
	Filter   *moderation.Filter
	Limiter  *ratelimit.Limiter
	Audit    AuditLog

	// OnChange is called after events that change online, waiting or room
	// counts, so stats can be broadcast.
	OnChange func()
}

// Service handles client events for the connections of one process.
type Service struct {
	cfg Config
	Deps
}

// New creates a service.
func New(cfg Config, deps Deps) *Service {
	if cfg.MatchRetries < 1 {
		cfg.MatchRetries = 3
	}
	if cfg.ReportThreshold < 1 {
		cfg.ReportThreshold = ban.DefaultThreshold
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = ban.DefaultBanDuration
	}
	return &Service{cfg: cfg, Deps: deps}
}

func (s *Service) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}

func to(id string, typ string, payload interface{}) relay.Delivery {
	return relay.Delivery{To: id, Event: protocol.Event{Type: typ, Payload: payload}}
}

func errorTo(id, code, message string) relay.Delivery {
	return relay.Delivery{To: id, Event: protocol.NewError(code, message)}
}

func rateLimitedTo(id string, retry time.Duration) relay.Delivery {
	secs := int((retry + time.Second - 1) / time.Second)
	return to(id, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: secs})
}

// HandleConnect admits a new connection from addr. When ok is false the
// returned deliveries end with a Close and the client must not be
// registered.
func (s *Service) HandleConnect(ctx context.Context, clientID, addr string) (ds []relay.Delivery, ok bool) {
	entry := log.WithFields(logrus.Fields{"client": clientID, "addr": addr})

	banned, remaining, reason, err := s.Bans.IsBanned(ctx, addr)
	if err != nil {
		entry.WithError(err).Warn("ban check failed, admitting")
	}
	if banned {
		entry.WithField("reason", reason).Info("rejecting banned address")
		d := to(clientID, protocol.TypeBanned, protocol.BannedMsg{Reason: reason, ExpiresIn: remaining})
		d.Close = true
		return []relay.Delivery{d}, false
	}

	if allowed, retry := s.Limiter.Allow(ctx, addr, ratelimit.RuleConnect); !allowed {
		entry.Info("connect rate limited")
		d := rateLimitedTo(clientID, retry)
		d.Close = true
		return []relay.Delivery{d}, false
	}

	if _, err := s.Sessions.Create(ctx, clientID, addr); err != nil {
		entry.WithError(err).Warn("session create failed")
	}
	if err := s.Presence.Add(ctx, clientID); err != nil {
		entry.WithError(err).Warn("presence add failed")
	}
	s.changed()

	entry.Debug("connected")
	return []relay.Delivery{
		to(clientID, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: clientID}),
		to(clientID, protocol.TypeWebRTCConfig, protocol.WebRTCConfigMsg{ICEServers: s.iceServers()}),
	}, true
}

func (s *Service) iceServers() []webrtc.ICEServer {
	if s.cfg.ICEServers == nil {
		return []webrtc.ICEServer{}
	}
	return s.cfg.ICEServers
}

// Disconnect cleans up after a closed connection: the client leaves the
// queue, the online set and its room, and the partner is told.
func (s *Service) Disconnect(ctx context.Context, clientID string) []relay.Delivery {
	entry := log.WithField("client", clientID)

	if err := s.Queue.Dequeue(ctx, clientID); err != nil {
		entry.WithError(err).Warn("dequeue failed")
	}
	if err := s.Presence.Remove(ctx, clientID); err != nil {
		entry.WithError(err).Warn("presence remove failed")
	}
	ds := s.leaveRoom(ctx, clientID)
	if err := s.Sessions.Delete(ctx, clientID); err != nil {
		entry.WithError(err).Warn("session delete failed")
	}
	s.changed()

	entry.Debug("disconnected")
	return ds
}

// leaveRoom destroys the client's room, if any, and returns partner_left for
// the partner. Only the caller that wins the teardown notifies.
func (s *Service) leaveRoom(ctx context.Context, clientID string) []relay.Delivery {
	r, err := s.Rooms.GetForClient(ctx, clientID)
	if err != nil {
		log.WithError(err).WithField("client", clientID).Warn("room lookup failed")
		return nil
	}
	if r == nil {
		return nil
	}
	destroyed, err := s.Rooms.Destroy(ctx, r.ID)
	if err != nil {
		log.WithError(err).WithField("room", r.ID).Warn("room destroy failed")
	}
	if destroyed == nil {
		return nil
	}
	return []relay.Delivery{to(destroyed.Partner(clientID), protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})}
}

// Signal forwards an offer, answer or ICE candidate to the partner.
func (s *Service) Signal(ctx context.Context, clientID string, msg protocol.SignalMsg) []relay.Delivery {
	d, ok, err := s.Relay.Relay(ctx, clientID, msg.Type, msg)
	if err != nil {
		log.WithError(err).WithField("client", clientID).Warn("signal relay failed")
		return nil
	}
	if !ok {
		metrics.RelayedTotal.WithLabelValues("dropped").Inc()
		return nil
	}
	metrics.RelayedTotal.WithLabelValues(msg.Type).Inc()
	return []relay.Delivery{d}
}

// SendText filters and forwards a text message to the partner.
func (s *Service) SendText(ctx context.Context, clientID, text string) []relay.Delivery {
	if allowed, retry := s.Limiter.Allow(ctx, clientID, ratelimit.RuleText); !allowed {
		return []relay.Delivery{rateLimitedTo(clientID, retry)}
	}
	d, ok, err := s.Relay.Relay(ctx, clientID, protocol.TypeSendText, text)
	if err != nil {
		log.WithError(err).WithField("client", clientID).Warn("text relay failed")
		return nil
	}
	if !ok {
		metrics.RelayedTotal.WithLabelValues("dropped").Inc()
		return nil
	}
	if d.Event.Type == protocol.TypeTextBlocked {
		metrics.RelayedTotal.WithLabelValues("blocked").Inc()
	} else {
		metrics.RelayedTotal.WithLabelValues(protocol.TypeSendText).Inc()
	}
	return []relay.Delivery{d}
}
