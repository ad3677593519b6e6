package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/pairchat/loadtest/client"
	"github.com/whisper/pairchat/loadtest/stats"
)

// runSaturate holds N idle sessions and checks that the online count the
// server broadcasts follows them. After the hold, half the sessions are
// closed so the count is also seen coming down. Run the server with
// RATE_LIMIT_ENABLED=false when all sessions come from one host.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "Prometheus metrics URL")
	n := fs.Int("connections", 1000, "Sessions to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Spread dials over this long")
	hold := fs.Duration("hold", 30*time.Second, "Hold all sessions this long")
	settle := fs.Duration("settle", 10*time.Second, "Watch broadcasts this long after closing half")
	concurrency := fs.Int("concurrency", 50, "Dials in flight")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Printf("saturate: %d sessions on %s (ramp %s, hold %s)\n", *n, *url, *ramp, *hold)
	clients := connectAll(ctx, *url, *n, *ramp, *concurrency, collector)
	fmt.Printf("holding %d sessions\n", len(clients))

	if len(clients) > 0 && ctx.Err() == nil {
		watchOnline(ctx, clients, *hold, collector)

		half := len(clients) / 2
		closeAll(clients[:half])
		clients = clients[half:]
		fmt.Printf("closed %d sessions, watching %d\n", half, len(clients))
		if len(clients) > 0 {
			watchOnline(ctx, clients, *settle, collector)
		}
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

// watchOnline listens to stats broadcasts on the first live session for d and
// records each reported online count against the sessions still open. Other
// traffic on the server shows up as positive drift.
func watchOnline(ctx context.Context, clients []*client.Client, d time.Duration, collector *stats.Collector) {
	var observer *client.Client
	for _, c := range clients {
		if alive(c) {
			observer = c
			break
		}
	}
	if observer == nil {
		return
	}

	reports := make(chan int64, 16)
	observer.On(client.TypeStats, func(ev client.Event) {
		var msg struct {
			Online int64 `json:"online"`
		}
		if ev.Decode(&msg) != nil {
			return
		}
		select {
		case reports <- msg.Online:
		default:
		}
	})
	defer observer.On(client.TypeStats, nil)
	for _, c := range clients {
		c.On(client.TypeBanned, func(ev client.Event) { collector.AddRejection(ev.Type) })
	}

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-observer.Closed():
			fmt.Println("  observer session dropped")
			collector.AddError()
			return
		case online := <-reports:
			held := 0
			for _, c := range clients {
				if alive(c) {
					held++
				}
			}
			collector.AddPresence(int64(held), online)
			fmt.Printf("  held %d  broadcast online %d\n", held, online)
		}
	}
}

func alive(c *client.Client) bool {
	select {
	case <-c.Closed():
		return false
	default:
		return true
	}
}
