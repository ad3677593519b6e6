// Package protocol defines the WebSocket messages exchanged between a browser
// and the pairing server. Every frame is a JSON object whose "type" field
// selects the concrete message.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Client -> Server message types.
const (
	TypeFindMatch    = "find_match"
	TypeSkip         = "skip"
	TypeCancelMatch  = "cancel_match"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeSendText     = "send_text"
	TypeReport       = "report"
	TypePing         = "ping"
)

// Server -> Client message types. Offer, answer and ice_candidate are also
// forwarded to the partner under their inbound names.
const (
	TypeSessionCreated = "session_created"
	TypeWebRTCConfig   = "webrtc_config"
	TypeMatched        = "matched"
	TypeWaiting        = "waiting"
	TypePartnerLeft    = "partner_left"
	TypeTextReceived   = "text_received"
	TypeTextBlocked    = "text_blocked"
	TypeReportAck      = "report_ack"
	TypeStats          = "stats"
	TypeBanned         = "banned"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError     = "parse_error"
	CodeInvalidPayload = "invalid_payload"
	CodeInternal       = "internal_error"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// known "type".
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrInvalidPayload is returned when the envelope is fine but the payload
	// fails validation.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// ErrorCode maps a ParseClientMessage error to the code reported to the client.
func ErrorCode(err error) string {
	if errors.Is(err, ErrInvalidPayload) {
		return CodeInvalidPayload
	}
	return CodeParseError
}

// Envelope holds the message type and the raw frame for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return err
	}
	if partial.Type == "" {
		return errors.New(`missing or empty "type" field`)
	}
	e.Type = partial.Type
	e.Raw = append(e.Raw[:0], data...)
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// FindMatchMsg asks to be paired, optionally with interest tags.
type FindMatchMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests"`
}

// SkipMsg leaves the current room and immediately searches again.
type SkipMsg struct {
	Type string `json:"type"`
}

// CancelMatchMsg leaves the waiting queue.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// SignalMsg carries an offer, answer or ICE candidate. Offer and answer use
// SDP, ice_candidate uses Candidate.
type SignalMsg struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// SendTextMsg is a text chat line for the partner.
type SendTextMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReportMsg reports the current partner.
type ReportMsg struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// WebRTCConfigMsg hands the client the STUN/TURN servers to use.
type WebRTCConfigMsg struct {
	Type       string             `json:"type"`
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
}

type MatchedMsg struct {
	Type            string   `json:"type"`
	RoomID          string   `json:"room_id"`
	PartnerID       string   `json:"partner_id"`
	SharedInterests []string `json:"shared_interests"`
}

type WaitingMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PartnerLeftMsg struct {
	Type string `json:"type"`
}

// SignalForwardMsg is an offer, answer or candidate relayed from the partner.
type SignalForwardMsg struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	From      string                     `json:"from"`
}

type TextReceivedMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	From string `json:"from"`
	Ts   int64  `json:"ts"`
}

type TextBlockedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ReportAckMsg struct {
	Type   string `json:"type"`
	Count  int64  `json:"count"`
	Banned bool   `json:"banned"`
}

type StatsMsg struct {
	Type        string `json:"type"`
	Online      int64  `json:"online"`
	Waiting     int64  `json:"waiting"`
	ActiveRooms int64  `json:"active_rooms"`
	Timestamp   int64  `json:"timestamp"`
}

// BannedMsg is sent right before the server closes a banned client.
// ExpiresIn is the remaining ban in seconds, 0 when unknown.
type BannedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Event is an outbound message not yet encoded. Handlers produce events and
// the transport encodes them once per recipient.
type Event struct {
	Type    string
	Payload interface{}
}

// Encode returns the wire bytes of the event.
func (e Event) Encode() ([]byte, error) {
	return NewServerMessage(e.Type, e.Payload)
}

// ParseClientMessage decodes a frame into its typed client message and
// validates the payload. The returned error wraps ErrMalformed or
// ErrInvalidPayload.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg interface{}
		err error
	)
	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validateInterests(m.Interests)
		}
		msg = m
	case TypeSkip:
		msg = SkipMsg{Type: env.Type}
	case TypeCancelMatch:
		msg = CancelMatchMsg{Type: env.Type}
	case TypePing:
		msg = PingMsg{Type: env.Type}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m SignalMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validateSignal(m)
		}
		msg = m
	case TypeSendText:
		var m SendTextMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = ValidateText(m.Text)
		}
		msg = m
	case TypeReport:
		var m ReportMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.TargetID == "" {
			err = errors.New("report requires target_id")
		}
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with msgType injected under "type".
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msgType, err)
	}

	m := map[string]json.RawMessage{}
	if payload != nil {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: %s payload is not an object: %w", msgType, err)
		}
	}
	m["type"], _ = json.Marshal(msgType)

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msgType, err)
	}
	return out, nil
}

// NewError builds an error event.
func NewError(code, message string) Event {
	return Event{Type: TypeError, Payload: ErrorMsg{Code: code, Message: message}}
}
