// Package sweeper periodically reconciles rooms and the waiting queue with
// who is actually connected. Deciding what to do with a room is a pure
// function (Plan); Sweeper gathers observations and executes the plans.
package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/room"
)

var log = logrus.WithField("component", "sweeper")

// DefaultInterval is the default time between sweeps.
const DefaultInterval = 30 * time.Second

// Participant is what the sweeper saw for one side of a room.
type Participant struct {
	ID        string
	Connected bool // present in the online set
	Mapped    bool // reverse index still points at this room
}

func (p Participant) alive() bool { return p.Connected && p.Mapped }

// RoomObservation is the input to Plan.
type RoomObservation struct {
	RoomID string
	Exists bool
	A, B   Participant
}

// Verdict is the kind of action Plan chose.
type Verdict int

const (
	Keep Verdict = iota
	// Untrack removes a room id whose record is already gone.
	Untrack
	// Destroy tears the room down.
	Destroy
)

func (v Verdict) String() string {
	switch v {
	case Keep:
		return "keep"
	case Untrack:
		return "untrack"
	case Destroy:
		return "destroy"
	}
	return "unknown"
}

// Action is the outcome of Plan. Notify lists participants that get
// partner_left after a Destroy.
type Action struct {
	Verdict Verdict
	Notify  []string
}

// Plan decides what to do with one tracked room. A room is kept only while
// both participants are connected and still mapped to it. Otherwise it is
// destroyed and every participant that is connected and mapped is told its
// partner left.
func Plan(o RoomObservation) Action {
	if !o.Exists {
		return Action{Verdict: Untrack}
	}
	if o.A.alive() && o.B.alive() {
		return Action{Verdict: Keep}
	}
	act := Action{Verdict: Destroy}
	for _, p := range []Participant{o.A, o.B} {
		if p.alive() {
			act.Notify = append(act.Notify, p.ID)
		}
	}
	return act
}

// Presence answers whether a client is connected anywhere.
type Presence interface {
	IsOnline(ctx context.Context, clientID string) bool
}

// Reaper is implemented by presence trackers that can drop the clients of
// dead processes. When the sweeper's Presence is also a Reaper, every sweep
// reaps first so rooms and queue entries of those clients are cleaned up in
// the same pass.
type Reaper interface {
	Reap(ctx context.Context) ([]string, error)
}

// Queue is the part of the waiting queue the sweeper prunes.
type Queue interface {
	Prune(ctx context.Context, alive func(clientID string) bool) (int, error)
}

// Result summarises one sweep.
type Result struct {
	Reaped    int
	Checked   int
	Destroyed int
	Untracked int
	Dequeued  int
}

func (r Result) changed() bool {
	return r.Reaped > 0 || r.Destroyed > 0 || r.Untracked > 0 || r.Dequeued > 0
}

// Sweeper runs Plan over every tracked room on an interval.
type Sweeper struct {
	rooms    *room.Manager
	presence Presence
	queue    Queue
	emitter  relay.Emitter
	interval time.Duration
	timeout  time.Duration

	// OnChange is called after a sweep that removed anything.
	OnChange func()
}

// New creates a sweeper. queue may be nil to skip queue pruning.
func New(rooms *room.Manager, presence Presence, queue Queue, emitter relay.Emitter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		rooms:    rooms,
		presence: presence,
		queue:    queue,
		emitter:  emitter,
		interval: interval,
		timeout:  interval / 2,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
			s.Sweep(sweepCtx)
			cancel()
		}
	}
}

// Sweep performs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result

	if reaper, ok := s.presence.(Reaper); ok {
		reaped, err := reaper.Reap(ctx)
		if err != nil {
			log.WithError(err).Warn("reap failed")
		}
		res.Reaped = len(reaped)
	}

	ids, err := s.rooms.Tracked(ctx)
	if err != nil {
		log.WithError(err).Warn("list tracked rooms failed")
	}
	for _, id := range ids {
		res.Checked++
		obs, err := s.observe(ctx, id)
		if err != nil {
			log.WithError(err).WithField("room", id).Debug("observe failed, skipping")
			continue
		}
		s.apply(ctx, obs, Plan(obs), &res)
	}

	if s.queue != nil {
		n, err := s.queue.Prune(ctx, func(id string) bool { return s.presence.IsOnline(ctx, id) })
		if err != nil {
			log.WithError(err).Warn("queue prune failed")
		}
		res.Dequeued = n
	}

	if res.changed() {
		log.WithFields(logrus.Fields{
			"reaped":    res.Reaped,
			"checked":   res.Checked,
			"destroyed": res.Destroyed,
			"untracked": res.Untracked,
			"dequeued":  res.Dequeued,
		}).Info("sweep")
		if s.OnChange != nil {
			s.OnChange()
		}
	}
	return res
}

func (s *Sweeper) observe(ctx context.Context, roomID string) (RoomObservation, error) {
	obs := RoomObservation{RoomID: roomID}
	r, err := s.rooms.Get(ctx, roomID)
	if err != nil || r == nil {
		return obs, err
	}
	obs.Exists = true

	side := func(id string) (Participant, error) {
		mappedTo, err := s.rooms.RoomOf(ctx, id)
		if err != nil {
			return Participant{}, err
		}
		return Participant{
			ID:        id,
			Connected: s.presence.IsOnline(ctx, id),
			Mapped:    mappedTo == roomID,
		}, nil
	}
	if obs.A, err = side(r.A); err != nil {
		return obs, err
	}
	if obs.B, err = side(r.B); err != nil {
		return obs, err
	}
	return obs, nil
}

func (s *Sweeper) apply(ctx context.Context, obs RoomObservation, act Action, res *Result) {
	entry := log.WithFields(logrus.Fields{"room": obs.RoomID, "verdict": act.Verdict})
	switch act.Verdict {
	case Untrack:
		if err := s.rooms.Untrack(ctx, obs.RoomID); err != nil {
			entry.WithError(err).Warn("untrack failed")
			return
		}
		res.Untracked++
	case Destroy:
		r, err := s.rooms.Destroy(ctx, obs.RoomID)
		if err != nil {
			entry.WithError(err).Warn("destroy failed")
			return
		}
		if r == nil {
			// Another process or handler tore it down first and notified.
			return
		}
		res.Destroyed++
		metrics.SweptRoomsTotal.Inc()
		for _, id := range act.Notify {
			s.emitter.Emit(ctx, relay.Delivery{To: id, Event: protocol.Event{
				Type:    protocol.TypePartnerLeft,
				Payload: protocol.PartnerLeftMsg{},
			}})
		}
		entry.WithField("notified", act.Notify).Debug("room destroyed")
	}
}
