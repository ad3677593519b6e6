package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "store")

// DefaultRecheckInterval is how often a degraded Failover pings the primary.
const DefaultRecheckInterval = 5 * time.Second

// Failover routes calls to a primary store and switches to a fallback while
// the primary is unreachable. Only transport failures count as an outage;
// ErrNotFound and server-side errors are passed through unchanged.
//
// State written to the fallback during an outage is not copied back. The
// TTLs on queue entries and rooms bound how long the two views disagree.
type Failover struct {
	primary  Store
	fallback Store

	recheckInterval time.Duration
	onChange      func(degraded bool)

	mu        sync.Mutex
	degraded  bool
	lastRecheck time.Time
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithRecheckInterval sets how often the primary is rechecked while degraded.
func WithRecheckInterval(d time.Duration) FailoverOption {
	return func(f *Failover) { f.recheckInterval = d }
}

// WithStateHook registers a callback invoked on every transition between
// healthy and degraded.
func WithStateHook(fn func(degraded bool)) FailoverOption {
	return func(f *Failover) { f.onChange = fn }
}

// NewFailover wraps primary with fallback.
func NewFailover(primary, fallback Store, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:       primary,
		fallback:      fallback,
		recheckInterval: DefaultRecheckInterval,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

var _ Store = (*Failover)(nil)

// Degraded reports whether calls are currently served by the fallback.
func (f *Failover) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// MarkDown forces the degraded state, e.g. when the primary could not be
// reached at startup.
func (f *Failover) MarkDown(err error) {
	f.setDegraded(true, err)
}

func (f *Failover) setDegraded(down bool, cause error) {
	f.mu.Lock()
	if f.degraded == down {
		f.mu.Unlock()
		return
	}
	f.degraded = down
	f.lastRecheck = time.Now()
	hook := f.onChange
	f.mu.Unlock()

	if down {
		log.WithError(cause).Warn("shared store unavailable, serving per-process state")
	} else {
		log.Info("shared store recovered")
	}
	if hook != nil {
		hook(down)
	}
}

// active returns the store that should serve the next call, probing the
// primary when a degraded period has lasted longer than recheckInterval.
func (f *Failover) active(ctx context.Context) Store {
	f.mu.Lock()
	if !f.degraded {
		f.mu.Unlock()
		return f.primary
	}
	if time.Since(f.lastRecheck) < f.recheckInterval {
		f.mu.Unlock()
		return f.fallback
	}
	f.lastRecheck = time.Now()
	f.mu.Unlock()

	if err := f.primary.Ping(ctx); err != nil {
		return f.fallback
	}
	f.setDegraded(false, nil)
	return f.primary
}

// isOutage reports whether err means the primary could not serve the call.
func isOutage(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrWrongType) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

func call[T any](ctx context.Context, f *Failover, op func(Store) (T, error)) (T, error) {
	s := f.active(ctx)
	v, err := op(s)
	if s == f.fallback || !isOutage(err) {
		return v, err
	}
	f.setDegraded(true, err)
	return op(f.fallback)
}

func callErr(ctx context.Context, f *Failover, op func(Store) error) error {
	_, err := call(ctx, f, func(s Store) (struct{}, error) {
		return struct{}{}, op(s)
	})
	return err
}

func (f *Failover) Get(ctx context.Context, key string) (string, error) {
	return call(ctx, f, func(s Store) (string, error) { return s.Get(ctx, key) })
}

func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return callErr(ctx, f, func(s Store) error { return s.Set(ctx, key, value, ttl) })
}

func (f *Failover) Del(ctx context.Context, keys ...string) error {
	return callErr(ctx, f, func(s Store) error { return s.Del(ctx, keys...) })
}

func (f *Failover) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return callErr(ctx, f, func(s Store) error { return s.Expire(ctx, key, ttl) })
}

func (f *Failover) TTL(ctx context.Context, key string) (time.Duration, error) {
	return call(ctx, f, func(s Store) (time.Duration, error) { return s.TTL(ctx, key) })
}

func (f *Failover) Incr(ctx context.Context, key string) (int64, error) {
	return call(ctx, f, func(s Store) (int64, error) { return s.Incr(ctx, key) })
}

func (f *Failover) SAdd(ctx context.Context, key string, members ...string) error {
	return callErr(ctx, f, func(s Store) error { return s.SAdd(ctx, key, members...) })
}

func (f *Failover) SRem(ctx context.Context, key string, members ...string) error {
	return callErr(ctx, f, func(s Store) error { return s.SRem(ctx, key, members...) })
}

func (f *Failover) SMembers(ctx context.Context, key string) ([]string, error) {
	return call(ctx, f, func(s Store) ([]string, error) { return s.SMembers(ctx, key) })
}

func (f *Failover) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return call(ctx, f, func(s Store) (bool, error) { return s.SIsMember(ctx, key, member) })
}

func (f *Failover) SCard(ctx context.Context, key string) (int64, error) {
	return call(ctx, f, func(s Store) (int64, error) { return s.SCard(ctx, key) })
}

func (f *Failover) ClaimAll(ctx context.Context, keys []string, set string, members []string) (bool, error) {
	return call(ctx, f, func(s Store) (bool, error) { return s.ClaimAll(ctx, keys, set, members) })
}

func (f *Failover) SetAllNX(ctx context.Context, pairs []KV, ttl time.Duration) (string, error) {
	return call(ctx, f, func(s Store) (string, error) { return s.SetAllNX(ctx, pairs, ttl) })
}

func (f *Failover) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	return call(ctx, f, func(s Store) (bool, error) { return s.DelIfEquals(ctx, key, value) })
}

// Ping reports the health of the primary without changing routing.
func (f *Failover) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

func (f *Failover) Close() error {
	err := f.primary.Close()
	if ferr := f.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}
