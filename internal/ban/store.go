// Package ban holds the moderation ledger: TTL-bounded bans keyed by network
// address, and per-client report counters.
//
//	Key:   banned:<address>   Value: <reason>   TTL: ban duration
//	Key:   reports:<clientId> Value: <count>    TTL: report window, set on first report
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/whisper/pairchat/internal/store"
)

const (
	// BanPrefix is the store key prefix for ban records.
	BanPrefix = "banned:"

	// ReportsPrefix is the store key prefix for report counters.
	ReportsPrefix = "reports:"

	// DefaultBanDuration applies when the caller passes zero.
	DefaultBanDuration = 24 * time.Hour

	// DefaultReportsTTL is how long a report counter lives after the first
	// report. The window does not slide.
	DefaultReportsTTL = 24 * time.Hour

	// DefaultThreshold is the report count that triggers a ban.
	DefaultThreshold = 3

	// ReasonReports is the ban reason recorded for report-triggered bans.
	ReasonReports = "multiple_reports"
)

// Store manages bans and report counters.
type Store struct {
	kv         store.Store
	reportsTTL time.Duration
}

// NewStore creates a ban store on kv.
func NewStore(kv store.Store, reportsTTL time.Duration) *Store {
	if reportsTTL <= 0 {
		reportsTTL = DefaultReportsTTL
	}
	return &Store{kv: kv, reportsTTL: reportsTTL}
}

// IsBanned checks an address. It returns the remaining ban in seconds and the
// recorded reason. Store errors are returned so callers can pick a policy;
// the server fails open.
func (s *Store) IsBanned(ctx context.Context, addr string) (bool, int, string, error) {
	key := BanPrefix + addr

	reason, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.kv.TTL(ctx, key)
	if err != nil {
		// The ban exists; an unreadable TTL must not hide it.
		return true, 0, reason, nil
	}
	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Ban bans addr for duration. Re-banning replaces the reason and restarts
// the duration.
func (s *Store) Ban(ctx context.Context, addr string, duration time.Duration, reason string) error {
	if addr == "" {
		return errors.New("ban: empty address")
	}
	if duration <= 0 {
		duration = DefaultBanDuration
	}
	if reason == "" {
		reason = "banned"
	}
	if err := s.kv.Set(ctx, BanPrefix+addr, reason, duration); err != nil {
		return fmt.Errorf("ban: set %s: %w", addr, err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, addr string) error {
	return s.kv.Del(ctx, BanPrefix+addr)
}

// Report increments the target's report counter and returns the new count.
// The counter's TTL is set on the first report only.
func (s *Store) Report(ctx context.Context, targetID string) (int, error) {
	key := ReportsPrefix + targetID

	count, err := s.kv.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ban: report incr: %w", err)
	}
	if count == 1 {
		if err := s.kv.Expire(ctx, key, s.reportsTTL); err != nil {
			return int(count), fmt.Errorf("ban: report expire: %w", err)
		}
	}
	return int(count), nil
}

// ReportCount returns the target's current report count.
func (s *Store) ReportCount(ctx context.Context, targetID string) (int, error) {
	raw, err := s.kv.Get(ctx, ReportsPrefix+targetID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ban: report count %s: %w", targetID, err)
	}
	return n, nil
}

// ResetReports clears the target's report counter.
func (s *Store) ResetReports(ctx context.Context, targetID string) error {
	return s.kv.Del(ctx, ReportsPrefix+targetID)
}

// Crossed reports whether count is the report that reaches threshold. Only
// that report triggers the ban so it is applied once per crossing.
func Crossed(count, threshold int) bool {
	return count == threshold
}
