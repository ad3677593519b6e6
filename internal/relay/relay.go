// Package relay forwards signaling and text between the two participants of
// a room. It never writes to sockets: it returns a Delivery and the caller's
// Emitter puts it on the right connection, local or remote.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/room"
)

var log = logrus.WithField("component", "relay")

// BlockedMessage is shown to a sender whose text was filtered.
const BlockedMessage = "Message blocked: contains inappropriate content"

// Delivery is an event addressed to one client. Close asks the transport to
// drop the connection after writing the event.
type Delivery struct {
	To    string
	Event protocol.Event
	Close bool
}

// Emitter hands a delivery to the recipient's connection. Unknown or
// unreachable recipients are dropped without error.
type Emitter interface {
	Emit(ctx context.Context, d Delivery)
}

// EmitAll emits each delivery in order.
func EmitAll(ctx context.Context, e Emitter, ds []Delivery) {
	for _, d := range ds {
		e.Emit(ctx, d)
	}
}

// Rooms resolves a client to its current room.
type Rooms interface {
	GetForClient(ctx context.Context, clientID string) (*room.Room, error)
}

// TextFilter screens text before it is forwarded.
type TextFilter interface {
	Check(text string) moderation.FilterResult
}

// Relay routes payloads from a sender to its partner.
type Relay struct {
	rooms  Rooms
	filter TextFilter
	now    func() time.Time
}

// New creates a relay. filter may be nil to forward text unchecked.
func New(rooms Rooms, filter TextFilter) *Relay {
	return &Relay{rooms: rooms, filter: filter, now: time.Now}
}

// Relay resolves the sender's partner and builds the delivery for kind.
// Kinds are protocol.TypeOffer, TypeAnswer and TypeICECandidate with a
// protocol.SignalMsg payload, or TypeSendText with a string payload.
//
// ok is false when the sender has no room; the payload is then dropped.
// Blocked text yields a text_blocked delivery back to the sender.
func (r *Relay) Relay(ctx context.Context, senderID, kind string, payload interface{}) (d Delivery, ok bool, err error) {
	rm, err := r.rooms.GetForClient(ctx, senderID)
	if err != nil {
		return Delivery{}, false, fmt.Errorf("relay: resolve room for %s: %w", senderID, err)
	}
	if rm == nil {
		log.WithFields(logrus.Fields{"client": senderID, "kind": kind}).Debug("no room, dropping")
		return Delivery{}, false, nil
	}
	partner := rm.Partner(senderID)

	switch kind {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		sig, isSig := payload.(protocol.SignalMsg)
		if !isSig {
			return Delivery{}, false, fmt.Errorf("relay: %s payload is %T", kind, payload)
		}
		return Delivery{To: partner, Event: protocol.Event{
			Type: kind,
			Payload: protocol.SignalForwardMsg{
				SDP:       sig.SDP,
				Candidate: sig.Candidate,
				From:      senderID,
			},
		}}, true, nil

	case protocol.TypeSendText:
		text, isText := payload.(string)
		if !isText {
			return Delivery{}, false, fmt.Errorf("relay: %s payload is %T", kind, payload)
		}
		if r.filter != nil {
			if res := r.filter.Check(text); res.Blocked {
				log.WithFields(logrus.Fields{
					"client": senderID,
					"reason": res.Reason,
					"term":   res.Term,
				}).Info("text blocked")
				return Delivery{To: senderID, Event: protocol.Event{
					Type:    protocol.TypeTextBlocked,
					Payload: protocol.TextBlockedMsg{Message: BlockedMessage},
				}}, true, nil
			}
		}
		return Delivery{To: partner, Event: protocol.Event{
			Type: protocol.TypeTextReceived,
			Payload: protocol.TextReceivedMsg{
				Text: text,
				From: senderID,
				Ts:   r.now().UnixMilli(),
			},
		}}, true, nil
	}

	return Delivery{}, false, fmt.Errorf("relay: unsupported kind %q", kind)
}
