package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// ---------------------------------------------------------------------------
// Test: Parsing a valid find_match message
// ---------------------------------------------------------------------------

func TestParseClientMessage_FindMatch(t *testing.T) {
	input := []byte(`{"type":"find_match","interests":["music","gaming","anime"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindMatch {
		t.Fatalf("expected type %q, got %q", TypeFindMatch, msgType)
	}

	fm, ok := msg.(FindMatchMsg)
	if !ok {
		t.Fatalf("expected FindMatchMsg, got %T", msg)
	}
	expected := []string{"music", "gaming", "anime"}
	if len(fm.Interests) != len(expected) {
		t.Fatalf("expected %d interests, got %d", len(expected), len(fm.Interests))
	}
	for i, v := range expected {
		if fm.Interests[i] != v {
			t.Errorf("interest[%d]: expected %q, got %q", i, v, fm.Interests[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Signaling payloads decode into pion types
// ---------------------------------------------------------------------------

func TestParseClientMessage_Offer(t *testing.T) {
	frame, _ := json.Marshal(map[string]interface{}{
		"type": "offer",
		"sdp":  map[string]string{"type": "offer", "sdp": testSDP},
	})

	msgType, msg, err := ParseClientMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeOffer {
		t.Fatalf("expected type %q, got %q", TypeOffer, msgType)
	}
	sm := msg.(SignalMsg)
	if sm.SDP == nil || sm.SDP.Type != webrtc.SDPTypeOffer {
		t.Fatalf("expected offer description, got %+v", sm.SDP)
	}
	if sm.SDP.SDP != testSDP {
		t.Errorf("sdp body changed: %q", sm.SDP.SDP)
	}
}

func TestParseClientMessage_ICECandidate(t *testing.T) {
	input := []byte(`{"type":"ice_candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm := msg.(SignalMsg)
	if sm.Candidate == nil {
		t.Fatal("expected candidate")
	}
	if sm.Candidate.SDPMid == nil || *sm.Candidate.SDPMid != "0" {
		t.Errorf("sdpMid = %v, want 0", sm.Candidate.SDPMid)
	}
	if sm.Candidate.SDPMLineIndex == nil || *sm.Candidate.SDPMLineIndex != 0 {
		t.Errorf("sdpMLineIndex = %v, want 0", sm.Candidate.SDPMLineIndex)
	}
}

func TestParseClientMessage_EndOfCandidates(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"ice_candidate","candidate":{"candidate":""}}`)); err != nil {
		t.Fatalf("empty candidate should be accepted: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Validation failures map to invalid_payload
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidPayload(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"offer without sdp", `{"type":"offer"}`},
		{"offer with answer sdp", `{"type":"offer","sdp":{"type":"answer","sdp":"v=0"}}`},
		{"answer with empty sdp", `{"type":"answer","sdp":{"type":"answer","sdp":""}}`},
		{"offer with garbage sdp", `{"type":"offer","sdp":{"type":"offer","sdp":"hello"}}`},
		{"candidate missing", `{"type":"ice_candidate"}`},
		{"empty text", `{"type":"send_text","text":"   "}`},
		{"report without target", `{"type":"report"}`},
		{"interests wrong type", `{"type":"find_match","interests":"music"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if err == nil {
				t.Fatalf("expected error, got %+v", msg)
			}
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
			if ErrorCode(err) != CodeInvalidPayload {
				t.Errorf("ErrorCode = %q, want %q", ErrorCode(err), CodeInvalidPayload)
			}
		})
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := []string{
		`{invalid json}`,
		`{"data":"no type"}`,
		`{"type":"accept_match"}`,
		`[]`,
	}
	for _, input := range cases {
		_, msg, err := ParseClientMessage([]byte(input))
		if err == nil {
			t.Errorf("%s: expected error, got %+v", input, msg)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", input, err)
		}
		if ErrorCode(err) != CodeParseError {
			t.Errorf("%s: ErrorCode = %q, want %q", input, ErrorCode(err), CodeParseError)
		}
	}
}

func TestParseClientMessage_UnknownTypeKeepsName(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"unknown_type"}`))
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		input    string
		wantType string
	}{
		{`{"type":"find_match"}`, TypeFindMatch},
		{`{"type":"skip"}`, TypeSkip},
		{`{"type":"cancel_match"}`, TypeCancelMatch},
		{`{"type":"send_text","text":"hi"}`, TypeSendText},
		{`{"type":"report","target_id":"abc"}`, TypeReport},
		{`{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_Matched(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{
		RoomID:          "room-1",
		PartnerID:       "peer-2",
		SharedInterests: []string{"music", "gaming"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMatched {
		t.Errorf("expected type %q, got %v", TypeMatched, result["type"])
	}
	if result["room_id"] != "room-1" || result["partner_id"] != "peer-2" {
		t.Errorf("unexpected ids: %v", result)
	}
	interests, ok := result["shared_interests"].([]interface{})
	if !ok || len(interests) != 2 {
		t.Fatalf("unexpected shared_interests: %v", result["shared_interests"])
	}
}

func TestNewServerMessage_NilPayload(t *testing.T) {
	data, err := NewServerMessage(TypePartnerLeft, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"partner_left"}` {
		t.Errorf("got %s", data)
	}
}

func TestNewServerMessage_NonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeStats, 42); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestEvent_EncodeForwardedOffer(t *testing.T) {
	ev := Event{Type: TypeOffer, Payload: SignalForwardMsg{
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
		From: "peer-1",
	}}
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !strings.Contains(string(data), `"from":"peer-1"`) {
		t.Errorf("missing from: %s", data)
	}

	// The partner's browser sees the same shape the sender posted.
	_, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("forwarded offer does not parse: %v", err)
	}
	if msg.(SignalMsg).SDP.Type != webrtc.SDPTypeOffer {
		t.Error("sdp type lost in forwarding")
	}
}

// ---------------------------------------------------------------------------
// Test: Text validation
// ---------------------------------------------------------------------------

func TestValidateText(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"unicode", "héllo 👋", false},
		{"empty", "", true},
		{"whitespace", " \n\t", true},
		{"too many bytes", strings.Repeat("a", MaxTextBytes+1), true},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), true},
		{"invalid utf8", "a\xffb", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateText(tc.text)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateText() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
