// Package stats computes the online/waiting/rooms snapshot that is broadcast
// to every client, and schedules those broadcasts.
package stats

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
)

var log = logrus.WithField("component", "stats")

// Snapshot is a point-in-time view of the system.
type Snapshot struct {
	Online      int64
	Waiting     int64
	ActiveRooms int64
	Timestamp   int64 // unix millis
}

// Event returns the snapshot as a stats message.
func (s Snapshot) Event() protocol.Event {
	return protocol.Event{Type: protocol.TypeStats, Payload: protocol.StatsMsg{
		Online:      s.Online,
		Waiting:     s.Waiting,
		ActiveRooms: s.ActiveRooms,
		Timestamp:   s.Timestamp,
	}}
}

// OnlineCounter reports connected clients. *presence.Tracker satisfies it.
type OnlineCounter interface {
	Count(ctx context.Context) int
}

// QueueSizer reports the waiting queue length. *matching.Queue satisfies it.
type QueueSizer interface {
	Size(ctx context.Context) (int64, error)
}

// RoomCounter reports active rooms. *room.Manager satisfies it.
type RoomCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Collector reads the counters that make up a Snapshot.
type Collector struct {
	online OnlineCounter
	queue  QueueSizer
	rooms  RoomCounter
	now    func() time.Time
}

// NewCollector creates a Collector over the three counters.
func NewCollector(online OnlineCounter, queue QueueSizer, rooms RoomCounter) *Collector {
	return &Collector{online: online, queue: queue, rooms: rooms, now: time.Now}
}

// Snapshot reads all counters. A counter that fails reads as zero; the
// snapshot is informational and never blocks a broadcast.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Online:    int64(c.online.Count(ctx)),
		Timestamp: c.now().UnixMilli(),
	}
	if n, err := c.queue.Size(ctx); err != nil {
		log.WithError(err).Debug("queue size unavailable")
	} else {
		s.Waiting = n
	}
	if n, err := c.rooms.Count(ctx); err != nil {
		log.WithError(err).Debug("room count unavailable")
	} else {
		s.ActiveRooms = n
	}

	metrics.Online.Set(float64(s.Online))
	metrics.Waiting.Set(float64(s.Waiting))
	metrics.ActiveRooms.Set(float64(s.ActiveRooms))
	return s
}

// Broadcaster sends a snapshot every interval and whenever Notify is called.
// Notifications arriving while a broadcast is pending are coalesced.
type Broadcaster struct {
	collector *Collector
	interval  time.Duration
	send      func(ctx context.Context, s Snapshot)
	kick      chan struct{}
}

// NewBroadcaster creates a broadcaster that hands each snapshot to send.
func NewBroadcaster(c *Collector, interval time.Duration, send func(ctx context.Context, s Snapshot)) *Broadcaster {
	return &Broadcaster{
		collector: c,
		interval:  interval,
		send:      send,
		kick:      make(chan struct{}, 1),
	}
}

// Notify requests a broadcast soon. It never blocks.
func (b *Broadcaster) Notify() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run broadcasts until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		b.send(ctx, b.collector.Snapshot(ctx))
	}
}
