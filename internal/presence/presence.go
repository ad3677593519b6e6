// Package presence tracks which clients are connected. The shared store holds
// the global online set; each process also mirrors its own connections so
// stats and liveness checks still work while the store is degraded.
//
// A process that runs with an instance name also files its clients under
// online:<instance> and keeps instance:<instance> alive with Heartbeat.
// When that key expires the process is presumed dead and Reap, run by any
// surviving process, takes its clients out of the online set.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/store"
)

const (
	// OnlineKey is the store set of connected client ids across all processes.
	OnlineKey = "online"

	// InstancesKey is the set of instance names that have sent a heartbeat.
	InstancesKey = "instances"

	// InstanceOnlinePrefix prefixes the per-instance client set.
	InstanceOnlinePrefix = "online:"

	// InstanceAlivePrefix prefixes the heartbeat key of an instance.
	InstanceAlivePrefix = "instance:"

	// DefaultInstanceTTL is how long an instance counts as alive after its
	// last heartbeat.
	DefaultInstanceTTL = 30 * time.Second
)

var log = logrus.WithField("component", "presence")

// Option configures a Tracker.
type Option func(*Tracker)

// WithInstance files clients under the given process name, with heartbeats
// valid for ttl.
func WithInstance(name string, ttl time.Duration) Option {
	return func(t *Tracker) {
		t.instance = name
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// Tracker registers and queries connected clients.
type Tracker struct {
	kv       store.Store
	instance string
	ttl      time.Duration

	mu    sync.RWMutex
	local map[string]struct{}
}

// NewTracker creates a Tracker on the given store.
func NewTracker(kv store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		kv:    kv,
		ttl:   DefaultInstanceTTL,
		local: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Instance returns the process name clients are filed under, or "".
func (t *Tracker) Instance() string {
	return t.instance
}

// Add registers a connected client.
func (t *Tracker) Add(ctx context.Context, id string) error {
	t.mu.Lock()
	t.local[id] = struct{}{}
	t.mu.Unlock()

	if err := t.kv.SAdd(ctx, OnlineKey, id); err != nil {
		return fmt.Errorf("presence: add %s: %w", id, err)
	}
	if t.instance != "" {
		if err := t.kv.SAdd(ctx, InstanceOnlinePrefix+t.instance, id); err != nil {
			return fmt.Errorf("presence: add %s: %w", id, err)
		}
	}
	return nil
}

// Remove unregisters a client. It is safe to call more than once.
func (t *Tracker) Remove(ctx context.Context, id string) error {
	t.mu.Lock()
	delete(t.local, id)
	t.mu.Unlock()

	if err := t.kv.SRem(ctx, OnlineKey, id); err != nil {
		return fmt.Errorf("presence: remove %s: %w", id, err)
	}
	if t.instance != "" {
		if err := t.kv.SRem(ctx, InstanceOnlinePrefix+t.instance, id); err != nil {
			return fmt.Errorf("presence: remove %s: %w", id, err)
		}
	}
	return nil
}

// Heartbeat marks this instance alive for another TTL and re-files the local
// connections, so clients reaped during a missed heartbeat come back.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	if t.instance == "" {
		return nil
	}
	if err := t.kv.Set(ctx, InstanceAlivePrefix+t.instance, "1", t.ttl); err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	if err := t.kv.SAdd(ctx, InstancesKey, t.instance); err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}

	t.mu.RLock()
	ids := make([]string, 0, len(t.local))
	for id := range t.local {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}
	if err := t.kv.SAdd(ctx, OnlineKey, ids...); err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	if err := t.kv.SAdd(ctx, InstanceOnlinePrefix+t.instance, ids...); err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	return nil
}

// RunHeartbeat sends a heartbeat now and then every third of the TTL until
// ctx is done.
func (t *Tracker) RunHeartbeat(ctx context.Context) {
	if t.instance == "" {
		return
	}
	beat := func() {
		if err := t.Heartbeat(ctx); err != nil {
			log.WithError(err).Warn("heartbeat failed")
		}
	}
	beat()

	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Reap removes the clients of every instance whose heartbeat has expired
// from the online set and returns them. This process is never reaped.
func (t *Tracker) Reap(ctx context.Context) ([]string, error) {
	instances, err := t.kv.SMembers(ctx, InstancesKey)
	if err != nil {
		return nil, fmt.Errorf("presence: list instances: %w", err)
	}

	var reaped []string
	for _, name := range instances {
		if name == t.instance {
			continue
		}
		_, err := t.kv.Get(ctx, InstanceAlivePrefix+name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return reaped, fmt.Errorf("presence: check %s: %w", name, err)
		}

		ids, err := t.kv.SMembers(ctx, InstanceOnlinePrefix+name)
		if err != nil {
			return reaped, fmt.Errorf("presence: list %s: %w", name, err)
		}
		if len(ids) > 0 {
			if err := t.kv.SRem(ctx, OnlineKey, ids...); err != nil {
				return reaped, fmt.Errorf("presence: reap %s: %w", name, err)
			}
		}
		if err := t.kv.Del(ctx, InstanceOnlinePrefix+name); err != nil {
			return reaped, fmt.Errorf("presence: reap %s: %w", name, err)
		}
		if err := t.kv.SRem(ctx, InstancesKey, name); err != nil {
			return reaped, fmt.Errorf("presence: reap %s: %w", name, err)
		}
		log.WithFields(logrus.Fields{"instance": name, "clients": len(ids)}).Warn("reaped dead instance")
		reaped = append(reaped, ids...)
	}
	return reaped, nil
}

// IsOnline reports whether id is connected to any process. When the store
// cannot answer, only this process's connections are considered.
func (t *Tracker) IsOnline(ctx context.Context, id string) bool {
	ok, err := t.kv.SIsMember(ctx, OnlineKey, id)
	if err != nil {
		log.WithError(err).WithField("client", id).Debug("online lookup failed, using local mirror")
		return t.IsLocal(id)
	}
	return ok
}

// IsLocal reports whether id is connected to this process.
func (t *Tracker) IsLocal(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.local[id]
	return ok
}

// LocalCount returns the number of clients connected to this process.
func (t *Tracker) LocalCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.local)
}

// Count returns the global number of connected clients, falling back to the
// local mirror when the store cannot answer.
func (t *Tracker) Count(ctx context.Context) int {
	n, err := t.kv.SCard(ctx, OnlineKey)
	if err != nil {
		return t.LocalCount()
	}
	if n == 0 {
		return t.LocalCount()
	}
	return int(n)
}
