package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/pairchat/loadtest/client"
	"github.com/whisper/pairchat/loadtest/stats"
)

type matchedMsg struct {
	RoomID          string   `json:"room_id"`
	PartnerID       string   `json:"partner_id"`
	SharedInterests []string `json:"shared_interests"`
}

// runMatch connects 2*pairs clients, sends find_match from all of them at
// once and measures how long each waits for matched. Afterwards it checks
// that every reported pairing is symmetric.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of client pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for matched")
	interests := fs.String("interests", "", "Comma-separated interest tags (empty = random matching)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	tags := splitTags(*interests)
	fmt.Printf("Match test: %d pairs (%d clients) to %s (interests=%v)\n", *pairs, total, *url, tags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect ---")
	clients := connectAll(ctx, *url, total, *rampUp, *concurrency, collector)
	defer closeAll(clients)

	fmt.Println("\n--- Phase 2: find_match ---")
	var (
		mu       sync.Mutex
		partners = make(map[string]matchedMsg, len(clients))
		waiting  int
		wg       sync.WaitGroup
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			m, ok := findMatch(ctx, c, tags, *matchTimeout, collector)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				partners[c.SessionID()] = m
			} else {
				waiting++
			}
		}(c)
	}
	wg.Wait()

	fmt.Println("\n--- Phase 3: Verify ---")
	asymmetric := 0
	for id, m := range partners {
		if back, ok := partners[m.PartnerID]; !ok || back.PartnerID != id || back.RoomID != m.RoomID {
			asymmetric++
		}
	}
	fmt.Printf("Matched: %d clients in %d rooms, unmatched: %d, asymmetric: %d\n",
		len(partners), len(partners)/2, waiting, asymmetric)

	scraper.Stop()
	collector.Report()
}

// findMatch sends find_match and waits for matched. waiting is expected
// first for whoever enters an empty queue.
func findMatch(ctx context.Context, c *client.Client, tags []string, timeout time.Duration, collector *stats.Collector) (matchedMsg, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := c.Send(map[string]interface{}{"type": client.TypeFindMatch, "interests": tags}); err != nil {
		collector.AddError()
		return matchedMsg{}, false
	}
	for {
		ev, err := c.Next(ctx, client.TypeMatched, client.TypeWaiting, client.TypeRateLimited, client.TypeError)
		if err != nil {
			collector.AddError()
			return matchedMsg{}, false
		}
		if ev.Type == client.TypeWaiting {
			continue
		}
		if countRejection(collector, ev) {
			return matchedMsg{}, false
		}
		var m matchedMsg
		if err := ev.Decode(&m); err != nil {
			collector.AddError()
			return matchedMsg{}, false
		}
		collector.AddMatchLatency(ev.At.Sub(start))
		return m, true
	}
}

func splitTags(s string) []string {
	tags := []string{}
	for _, tag := range strings.Split(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
