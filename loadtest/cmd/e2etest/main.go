// Command e2etest walks a running pairchat server through the full client
// journey: health endpoints, handshake, matching, signaling relay, text and
// filtering, skip, protocol errors, disconnect and rate limiting. Run it
// against an otherwise idle server; other waiting clients may be matched
// with the test clients.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/whisper/pairchat/loadtest/client"
)

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional, non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name, detail string) scenarioResult { return scenarioResult{name, resultPass, detail} }

func fail(name string, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultFail, fmt.Sprintf(format, args...)}
}

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== pairchat E2E Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := []scenarioResult{
		scenarioHealth(ctx, *apiBase),
		scenarioHandshake(ctx, *wsURL),
	}
	results = append(results, scenarioRoom(ctx, *wsURL)...)
	results = append(results,
		scenarioProtocolErrors(ctx, *wsURL),
		scenarioDisconnect(ctx, *wsURL),
		scenarioRateLimit(ctx, *wsURL),
	)

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

func scenarioHealth(ctx context.Context, apiBase string) scenarioResult {
	name := "Health endpoints"

	if _, err := httpGetBody(ctx, apiBase+"/health"); err != nil {
		return fail(name, "/health: %v", err)
	}

	body, err := httpGetBody(ctx, apiBase+"/stats")
	if err != nil {
		return fail(name, "/stats: %v", err)
	}
	var st struct {
		Type   string `json:"type"`
		Online int    `json:"online"`
	}
	if err := json.Unmarshal(body, &st); err != nil || st.Type != client.TypeStats {
		return fail(name, "/stats: unexpected body %q", body)
	}

	metrics, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return fail(name, "/metrics: %v", err)
	}
	if !strings.Contains(string(metrics), "pairchat_connections") {
		return fail(name, "/metrics: missing pairchat_connections")
	}
	return pass(name, fmt.Sprintf("online=%d", st.Online))
}

func scenarioHandshake(ctx context.Context, wsURL string) scenarioResult {
	name := "Connect and handshake"

	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer c.Close()

	ev, err := next(ctx, c, client.TypeWebRTCConfig)
	if err != nil {
		return fail(name, "webrtc_config: %v", err)
	}
	var cfg struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"ice_servers"`
	}
	if err := ev.Decode(&cfg); err != nil {
		return fail(name, "webrtc_config: %v", err)
	}
	return pass(name, fmt.Sprintf("session=%s ice_servers=%d", truncateID(c.SessionID()), len(cfg.ICEServers)))
}

// scenarioRoom covers matching, relay, text and skip on one pair of clients.
func scenarioRoom(ctx context.Context, wsURL string) []scenarioResult {
	const (
		matchName  = "Matching"
		signalName = "Signaling relay"
		textName   = "Text relay and filtering"
		reportName = "Report"
		skipName   = "Skip"
	)
	skipped := func(reason string) []scenarioResult {
		return []scenarioResult{
			fail(matchName, "%s", reason),
			fail(signalName, "not run"),
			fail(textName, "not run"),
			fail(reportName, "not run"),
			fail(skipName, "not run"),
		}
	}

	a, b, room, err := connectAndMatch(ctx, wsURL, "e2e-"+fmt.Sprint(time.Now().UnixNano()))
	if err != nil {
		return skipped(err.Error())
	}
	defer a.Close()
	defer b.Close()
	results := []scenarioResult{pass(matchName, "room="+truncateID(room))}

	results = append(results, func() scenarioResult {
		if err := a.Send(map[string]interface{}{"type": client.TypeOffer, "sdp": map[string]string{"type": "offer", "sdp": testSDP}}); err != nil {
			return fail(signalName, "send offer: %v", err)
		}
		ev, err := next(ctx, b, client.TypeOffer)
		if err != nil {
			return fail(signalName, "offer: %v", err)
		}
		var fwd struct {
			From string `json:"from"`
		}
		if ev.Decode(&fwd); fwd.From != a.SessionID() {
			return fail(signalName, "offer from %q", fwd.From)
		}
		if err := b.Send(map[string]interface{}{"type": client.TypeAnswer, "sdp": map[string]string{"type": "answer", "sdp": testSDP}}); err != nil {
			return fail(signalName, "send answer: %v", err)
		}
		if _, err := next(ctx, a, client.TypeAnswer); err != nil {
			return fail(signalName, "answer: %v", err)
		}
		if err := a.Send(map[string]interface{}{"type": client.TypeICECandidate, "candidate": map[string]interface{}{
			"candidate": "candidate:1 1 udp 2122260223 127.0.0.1 50000 typ host", "sdpMid": "0", "sdpMLineIndex": 0,
		}}); err != nil {
			return fail(signalName, "send candidate: %v", err)
		}
		if _, err := next(ctx, b, client.TypeICECandidate); err != nil {
			return fail(signalName, "candidate: %v", err)
		}
		return pass(signalName, "offer, answer, candidate")
	}())

	results = append(results, func() scenarioResult {
		if err := a.Send(map[string]string{"type": client.TypeSendText, "text": "hello from a"}); err != nil {
			return fail(textName, "send: %v", err)
		}
		ev, err := next(ctx, b, client.TypeTextReceived)
		if err != nil {
			return fail(textName, "text_received: %v", err)
		}
		var txt struct {
			Text string `json:"text"`
		}
		if ev.Decode(&txt); txt.Text != "hello from a" {
			return fail(textName, "text = %q", txt.Text)
		}
		if err := a.Send(map[string]string{"type": client.TypeSendText, "text": "this is spam"}); err != nil {
			return fail(textName, "send: %v", err)
		}
		if _, err := next(ctx, a, client.TypeTextBlocked); err != nil {
			return fail(textName, "text_blocked: %v", err)
		}
		return pass(textName, "")
	}())

	results = append(results, func() scenarioResult {
		if err := b.Send(map[string]string{"type": client.TypeReport, "target_id": a.SessionID()}); err != nil {
			return fail(reportName, "send: %v", err)
		}
		ev, err := next(ctx, b, client.TypeReportAck)
		if err != nil {
			return fail(reportName, "report_ack: %v", err)
		}
		var ack struct {
			Banned bool `json:"banned"`
		}
		ev.Decode(&ack)
		return pass(reportName, fmt.Sprintf("banned=%v", ack.Banned))
	}())

	results = append(results, func() scenarioResult {
		if err := a.Send(map[string]string{"type": client.TypeSkip}); err != nil {
			return fail(skipName, "send: %v", err)
		}
		if _, err := next(ctx, b, client.TypePartnerLeft); err != nil {
			return fail(skipName, "partner_left: %v", err)
		}
		if _, err := next(ctx, a, client.TypeWaiting); err != nil {
			return fail(skipName, "waiting: %v", err)
		}
		_ = a.Send(map[string]string{"type": client.TypeCancelMatch})
		return pass(skipName, "")
	}())

	return results
}

func scenarioProtocolErrors(ctx context.Context, wsURL string) scenarioResult {
	name := "Protocol errors"

	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer c.Close()

	checks := []struct {
		frame string
		want  string
	}{
		{`{"type":"ping"}`, ""},
		{`not json`, "parse_error"},
		{`{"type":"teleport"}`, "parse_error"},
		{`{"type":"send_text","text":""}`, "invalid_payload"},
		{`{"type":"offer","sdp":{"type":"answer","sdp":"x"}}`, "invalid_payload"},
	}
	for _, chk := range checks {
		if err := c.SendRaw([]byte(chk.frame)); err != nil {
			return fail(name, "send %s: %v", chk.frame, err)
		}
		if chk.want == "" {
			if _, err := next(ctx, c, client.TypePong); err != nil {
				return fail(name, "pong: %v", err)
			}
			continue
		}
		ev, err := next(ctx, c, client.TypeError)
		if err != nil {
			return fail(name, "%s: %v", chk.frame, err)
		}
		var e struct {
			Code string `json:"code"`
		}
		if ev.Decode(&e); e.Code != chk.want {
			return fail(name, "%s: code %q, want %q", chk.frame, e.Code, chk.want)
		}
	}
	return pass(name, fmt.Sprintf("%d frames", len(checks)))
}

func scenarioDisconnect(ctx context.Context, wsURL string) scenarioResult {
	name := "Partner disconnect"

	a, b, _, err := connectAndMatch(ctx, wsURL, "e2e-dc-"+fmt.Sprint(time.Now().UnixNano()))
	if err != nil {
		return fail(name, "%v", err)
	}
	defer a.Close()

	b.Close()
	if _, err := next(ctx, a, client.TypePartnerLeft); err != nil {
		return fail(name, "partner_left: %v", err)
	}
	return pass(name, "")
}

func scenarioRateLimit(ctx context.Context, wsURL string) scenarioResult {
	name := "Rate limiting"

	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer c.Close()

	for i := 0; i < 15; i++ {
		_ = c.Send(map[string]string{"type": client.TypeCancelMatch})
		_ = c.Send(map[string]interface{}{"type": client.TypeFindMatch, "interests": []string{}})
	}
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ev, err := c.Next(rctx, client.TypeRateLimited)
	if err != nil {
		return scenarioResult{name, resultInfo, "no rate_limited seen (limits disabled?)"}
	}
	var rl struct {
		RetryAfter int `json:"retry_after"`
	}
	ev.Decode(&rl)
	return pass(name, fmt.Sprintf("retry_after=%ds", rl.RetryAfter))
}

func dial(ctx context.Context, wsURL string) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.New(connCtx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := c.WaitForSession(connCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	return c, nil
}

func next(ctx context.Context, c *client.Client, typ string) (client.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Next(ctx, typ)
}

// connectAndMatch connects two clients that share a unique interest tag and
// waits until both report the same room.
func connectAndMatch(ctx context.Context, wsURL, tag string) (a, b *client.Client, roomID string, err error) {
	if a, err = dial(ctx, wsURL); err != nil {
		return nil, nil, "", fmt.Errorf("client a: %w", err)
	}
	if b, err = dial(ctx, wsURL); err != nil {
		a.Close()
		return nil, nil, "", fmt.Errorf("client b: %w", err)
	}
	cleanup := func() {
		a.Close()
		b.Close()
	}

	find := map[string]interface{}{"type": client.TypeFindMatch, "interests": []string{tag}}
	if err = a.Send(find); err != nil {
		cleanup()
		return nil, nil, "", err
	}
	if _, err = next(ctx, a, client.TypeWaiting); err != nil {
		cleanup()
		return nil, nil, "", fmt.Errorf("a waiting: %w", err)
	}
	if err = b.Send(find); err != nil {
		cleanup()
		return nil, nil, "", err
	}

	type matched struct {
		RoomID          string   `json:"room_id"`
		PartnerID       string   `json:"partner_id"`
		SharedInterests []string `json:"shared_interests"`
	}
	var ma, mb matched
	for _, side := range []struct {
		c *client.Client
		m *matched
	}{{a, &ma}, {b, &mb}} {
		ev, err := next(ctx, side.c, client.TypeMatched)
		if err != nil {
			cleanup()
			return nil, nil, "", fmt.Errorf("matched: %w", err)
		}
		if err := ev.Decode(side.m); err != nil {
			cleanup()
			return nil, nil, "", err
		}
	}
	if ma.RoomID != mb.RoomID || ma.PartnerID != b.SessionID() || mb.PartnerID != a.SessionID() {
		cleanup()
		return nil, nil, "", fmt.Errorf("asymmetric match: %+v / %+v", ma, mb)
	}
	if len(ma.SharedInterests) != 1 || ma.SharedInterests[0] != tag {
		cleanup()
		return nil, nil, "", fmt.Errorf("shared interests %v, want [%s]", ma.SharedInterests, tag)
	}
	return a, b, ma.RoomID, nil
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
