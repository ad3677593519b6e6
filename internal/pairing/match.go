package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/room"
)

// FindMatch enters the client into matchmaking with the given interests.
// Denylisted tags are dropped. A paired client must skip first.
func (s *Service) FindMatch(ctx context.Context, clientID string, interests []string) []relay.Delivery {
	if allowed, retry := s.Limiter.Allow(ctx, clientID, ratelimit.RuleMatch); !allowed {
		return []relay.Delivery{rateLimitedTo(clientID, retry)}
	}
	if rid, err := s.Rooms.RoomOf(ctx, clientID); err == nil && rid != "" {
		if r, _ := s.Rooms.Get(ctx, rid); r != nil {
			return []relay.Delivery{errorTo(clientID, CodeAlreadyPaired, "already in a room, skip first")}
		}
	}

	if s.Filter != nil {
		interests = s.Filter.CheckInterests(interests)
	}
	tags := matching.NormalizeTags(interests)
	if err := s.Sessions.SetInterests(ctx, clientID, tags); err != nil {
		log.WithError(err).WithField("client", clientID).Debug("remember interests failed")
	}
	return s.match(ctx, clientID, tags)
}

// Skip leaves the current room, telling the partner, and searches again with
// the client's last interests.
func (s *Service) Skip(ctx context.Context, clientID string) []relay.Delivery {
	if allowed, retry := s.Limiter.Allow(ctx, clientID, ratelimit.RuleMatch); !allowed {
		return []relay.Delivery{rateLimitedTo(clientID, retry)}
	}
	ds := s.leaveRoom(ctx, clientID)

	var tags []string
	if sess, err := s.Sessions.Get(ctx, clientID); err != nil {
		log.WithError(err).WithField("client", clientID).Debug("session lookup failed, skipping without interests")
	} else if sess != nil {
		tags = sess.Interests
	}
	return append(ds, s.match(ctx, clientID, tags)...)
}

// Cancel removes the client from the waiting queue.
func (s *Service) Cancel(ctx context.Context, clientID string) []relay.Delivery {
	if err := s.Queue.Dequeue(ctx, clientID); err != nil {
		log.WithError(err).WithField("client", clientID).Warn("cancel failed")
		return nil
	}
	s.changed()
	return nil
}

// match enqueues the requester, then tries to claim a partner. The requester
// is queued first so that a concurrent requester can claim it instead; in
// that case the other side sends the matched events and nothing is returned
// here.
func (s *Service) match(ctx context.Context, clientID string, tags []string) []relay.Delivery {
	entry := log.WithField("client", clientID)
	defer s.changed()

	if err := s.Queue.Enqueue(ctx, clientID, tags); err != nil {
		entry.WithError(err).Warn("enqueue failed")
		return []relay.Delivery{waitingTo(clientID)}
	}

	for attempt := 0; attempt < s.cfg.MatchRetries; attempt++ {
		m, ok, err := s.Engine.FindMatch(ctx, clientID, tags)
		if err != nil {
			entry.WithError(err).Warn("find match failed")
			break
		}
		if !ok {
			break
		}

		err = s.Queue.Claim(ctx, clientID, m.PartnerID)
		if errors.Is(err, matching.ErrClaimLost) {
			metrics.MatchesTotal.WithLabelValues("claim_lost").Inc()
			if queued, qerr := s.Queue.IsQueued(ctx, clientID); qerr == nil && !queued {
				// Claimed by someone else.
				return nil
			}
			continue
		}
		if err != nil {
			entry.WithError(err).Warn("claim failed")
			break
		}

		r, err := s.Rooms.Create(ctx, clientID, m.PartnerID)
		var paired *room.AlreadyPairedError
		if errors.As(err, &paired) {
			metrics.MatchesTotal.WithLabelValues("already_paired").Inc()
			entry.WithFields(logrus.Fields{"partner": m.PartnerID, "conflict": paired.ClientID}).Warn("pairing conflict, re-queueing")
			if paired.ClientID == clientID {
				// The requester already has a room; give the partner back.
				s.requeue(ctx, m.PartnerID, m.PartnerInterests)
				return nil
			}
			if err := s.Queue.Enqueue(ctx, clientID, tags); err != nil {
				entry.WithError(err).Warn("re-enqueue failed")
			}
			continue
		}
		if err != nil {
			entry.WithError(err).Warn("room create failed")
			s.requeue(ctx, m.PartnerID, m.PartnerInterests)
			s.requeue(ctx, clientID, tags)
			break
		}

		outcome := "interest"
		if m.Random {
			outcome = "random"
		}
		metrics.MatchesTotal.WithLabelValues(outcome).Inc()
		if m.EnqueuedAt > 0 {
			metrics.MatchDuration.Observe(time.Since(time.UnixMilli(m.EnqueuedAt)).Seconds())
		}
		entry.WithFields(logrus.Fields{"partner": m.PartnerID, "room": r.ID, "score": m.Score}).Info("matched")

		shared := m.SharedInterests
		if shared == nil {
			shared = []string{}
		}
		return []relay.Delivery{
			to(clientID, protocol.TypeMatched, protocol.MatchedMsg{RoomID: r.ID, PartnerID: m.PartnerID, SharedInterests: shared}),
			to(m.PartnerID, protocol.TypeMatched, protocol.MatchedMsg{RoomID: r.ID, PartnerID: clientID, SharedInterests: shared}),
		}
	}

	metrics.MatchesTotal.WithLabelValues("waiting").Inc()
	return []relay.Delivery{waitingTo(clientID)}
}

func (s *Service) requeue(ctx context.Context, clientID string, tags []string) {
	if err := s.Queue.Enqueue(ctx, clientID, tags); err != nil {
		log.WithError(err).WithField("client", clientID).Warn("re-queue failed")
	}
}

func waitingTo(id string) relay.Delivery {
	return to(id, protocol.TypeWaiting, protocol.WaitingMsg{Message: WaitingMessage})
}
