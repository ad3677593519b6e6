// Package ratelimit throttles client actions with fixed-window counters kept
// in the shared store (INCR, then EXPIRE on the first hit). Store failures
// fail open so an outage never blocks legitimate traffic.
package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/store"
)

var log = logrus.WithField("component", "ratelimit")

// Rule is a limit of Limit hits per Window for identifiers under Key.
type Rule struct {
	Name   string
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMatch allows 10 find_match or skip requests per minute per client.
	RuleMatch = Rule{Name: "match", Key: "rl:match:", Limit: 10, Window: time.Minute}

	// RuleText allows 5 text messages per 10 seconds per client.
	RuleText = Rule{Name: "text", Key: "rl:text:", Limit: 5, Window: 10 * time.Second}

	// RuleConnect allows 20 connections per minute per address.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// Limiter checks rules against a store. A nil *Limiter allows everything.
type Limiter struct {
	kv store.Store
}

// NewLimiter creates a Limiter on kv.
func NewLimiter(kv store.Store) *Limiter {
	return &Limiter{kv: kv}
}

// Allow counts one hit for identifier and reports whether it is within rule.
// When the hit is rejected, retryAfter is the time left in the window.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (ok bool, retryAfter time.Duration) {
	if l == nil {
		return true, 0
	}
	key := rule.Key + identifier

	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("incr failed, failing open")
		return true, 0
	}
	if count == 1 {
		if err := l.kv.Expire(ctx, key, rule.Window); err != nil {
			// A counter without TTL would block the identifier forever.
			log.WithError(err).WithField("key", key).Warn("expire failed, failing open")
			_ = l.kv.Del(ctx, key)
			return true, 0
		}
	}
	if int(count) <= rule.Limit {
		return true, 0
	}

	metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
	retryAfter = rule.Window
	if ttl, err := l.kv.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return false, retryAfter
}
