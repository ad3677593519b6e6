package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/pairchat/loadtest/client"
	"github.com/whisper/pairchat/loadtest/stats"
)

// loadSDP is a minimal session description the server accepts for relay.
const loadSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// runRelay runs the full room lifecycle per pair: match, offer/answer/ICE
// exchange, a burst of text messages in both directions and a skip. Text
// latency is measured from a send timestamp embedded in the message.
func runRelay(args []string) {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 200, "Number of client pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	messages := fs.Int("messages", 5, "Text messages per client")
	msgInterval := fs.Duration("msg-interval", 2500*time.Millisecond, "Delay between text messages (server allows 5 per 10s)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Relay test: %d pairs, %d messages each every %s to %s\n", *pairs, *messages, *msgInterval, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect ---")
	clients := connectAll(ctx, *url, total, *rampUp, *concurrency, collector)
	defer closeAll(clients)

	byID := make(map[string]*client.Client, len(clients))
	for _, c := range clients {
		byID[c.SessionID()] = c
		c.On(client.TypeTextReceived, func(ev client.Event) {
			var m struct {
				Text string `json:"text"`
			}
			if ev.Decode(&m) != nil {
				return
			}
			if sent, ok := parseStamp(m.Text); ok {
				collector.AddMsgLatency(ev.At.Sub(sent))
			}
		})
		c.On(client.TypeRateLimited, func(ev client.Event) { countRejection(collector, ev) })
		c.On(client.TypeTextBlocked, func(ev client.Event) { collector.AddRejection(ev.Type) })
	}

	fmt.Println("\n--- Phase 2: Match ---")
	var (
		mu    sync.Mutex
		rooms = map[string][2]*client.Client{}
		wg    sync.WaitGroup
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			m, ok := findMatch(ctx, c, []string{"load"}, 30*time.Second, collector)
			if !ok {
				return
			}
			partner := byID[m.PartnerID]
			if partner == nil || c.SessionID() > m.PartnerID {
				return
			}
			mu.Lock()
			rooms[m.RoomID] = [2]*client.Client{c, partner}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	fmt.Printf("Rooms formed: %d\n", len(rooms))

	fmt.Println("\n--- Phase 3: Signal, chat, skip ---")
	for _, pair := range rooms {
		wg.Add(1)
		go func(a, b *client.Client) {
			defer wg.Done()
			runRoom(ctx, a, b, *messages, *msgInterval, collector)
		}(pair[0], pair[1])
	}
	wg.Wait()

	scraper.Stop()
	collector.Report()
}

func runRoom(ctx context.Context, a, b *client.Client, messages int, interval time.Duration, collector *stats.Collector) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(messages+4)*interval+10*time.Second)
	defer cancel()

	send := func(c *client.Client, msg map[string]interface{}) bool {
		if err := c.Send(msg); err != nil {
			collector.AddError()
			return false
		}
		return true
	}
	expect := func(c *client.Client, typ string) bool {
		if _, err := c.Next(ctx, typ); err != nil {
			collector.AddError()
			return false
		}
		return true
	}

	if !send(a, map[string]interface{}{"type": client.TypeOffer, "sdp": map[string]string{"type": "offer", "sdp": loadSDP}}) ||
		!expect(b, client.TypeOffer) {
		return
	}
	if !send(b, map[string]interface{}{"type": client.TypeAnswer, "sdp": map[string]string{"type": "answer", "sdp": loadSDP}}) ||
		!expect(a, client.TypeAnswer) {
		return
	}
	cand := map[string]interface{}{"type": client.TypeICECandidate, "candidate": map[string]interface{}{
		"candidate": "candidate:1 1 udp 2122260223 127.0.0.1 50000 typ host", "sdpMid": "0", "sdpMLineIndex": 0,
	}}
	if !send(a, cand) || !expect(b, client.TypeICECandidate) {
		return
	}

	for i := 0; i < messages; i++ {
		for _, c := range []*client.Client{a, b} {
			send(c, map[string]interface{}{"type": client.TypeSendText, "text": stamp(time.Now(), i)})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}

	if send(a, map[string]interface{}{"type": client.TypeSkip}) {
		expect(b, client.TypePartnerLeft)
	}
}

// stamp formats a text message carrying its send time.
func stamp(t time.Time, seq int) string {
	return "load " + strconv.Itoa(seq) + " " + strconv.FormatInt(t.UnixNano(), 10)
}

func parseStamp(text string) (time.Time, bool) {
	i := strings.LastIndexByte(text, ' ')
	if i < 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(text[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
