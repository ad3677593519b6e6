package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/pairchat/loadtest/client"
	"github.com/whisper/pairchat/loadtest/stats"
)

// connectAll opens n sessions, spreading dial starts over ramp with at most
// concurrency dials in flight. Failed dials are counted on the collector and
// left out of the result.
func connectAll(ctx context.Context, url string, n int, ramp time.Duration, concurrency int, collector *stats.Collector) []*client.Client {
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [connect] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()
	defer close(progressStop)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connect.")
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddRejection("no_session")
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return clients
}

// closeAll closes every client.
func closeAll(clients []*client.Client) {
	for _, c := range clients {
		c.Close()
	}
}

// countRejection records refusals carried in an event, if any.
func countRejection(collector *stats.Collector, ev client.Event) bool {
	switch ev.Type {
	case client.TypeRateLimited, client.TypeBanned:
		collector.AddRejection(ev.Type)
		return true
	case client.TypeError:
		var e struct {
			Code string `json:"code"`
		}
		_ = ev.Decode(&e)
		collector.AddRejection("error:" + e.Code)
		return true
	}
	return false
}
