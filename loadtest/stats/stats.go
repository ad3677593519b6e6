// Package stats gathers client-side measurements of a load run and, through
// Scraper, the server's own view of the same run.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency series names, printed in this order.
const (
	SeriesConnect = "connect"
	SeriesMatch   = "match"
	SeriesRelay   = "relay"
)

var seriesOrder = []string{SeriesConnect, SeriesMatch, SeriesRelay}

// Summary is the distribution of one latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes a Summary. It sorts samples in place.
func Summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	rank := func(q float64) time.Duration {
		i := int(math.Ceil(float64(n)*q)) - 1
		if i < 0 {
			i = 0
		}
		return samples[i]
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: rank(0.50),
		P95: rank(0.95),
		P99: rank(0.99),
		Max: samples[n-1],
	}
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("n=%d avg=%v p50=%v p95=%v p99=%v max=%v",
		s.N, r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max))
}

// Drift compares the online count the server broadcasts with the number of
// connections the run is actually holding.
type Drift struct {
	Samples  int
	Min, Max int64
	Last     int64
}

func (d *Drift) add(held, reported int64) {
	diff := reported - held
	if d.Samples == 0 || diff < d.Min {
		d.Min = diff
	}
	if d.Samples == 0 || diff > d.Max {
		d.Max = diff
	}
	d.Last = diff
	d.Samples++
}

// Collector is shared by every simulated client of a run. It is safe for
// concurrent use.
type Collector struct {
	mu       sync.Mutex
	started  time.Time
	latency  map[string][]time.Duration
	rejected map[string]int
	conns    int
	errs     int
	drift    Drift
	scraper  *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		latency:  make(map[string][]time.Duration),
		rejected: make(map[string]int),
	}
}

// SetScraper makes Report include the server-side view.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// Observe adds a sample to the named latency series.
func (c *Collector) Observe(series string, d time.Duration) {
	c.mu.Lock()
	c.latency[series] = append(c.latency[series], d)
	c.mu.Unlock()
}

// AddConnect counts an established session and its handshake time.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.conns++
	c.latency[SeriesConnect] = append(c.latency[SeriesConnect], d)
	c.mu.Unlock()
}

// AddMatchLatency records find_match to matched.
func (c *Collector) AddMatchLatency(d time.Duration) { c.Observe(SeriesMatch, d) }

// AddMsgLatency records send_text to the partner's text_received.
func (c *Collector) AddMsgLatency(d time.Duration) { c.Observe(SeriesRelay, d) }

// AddRejection counts a refusal by message type or error code.
func (c *Collector) AddRejection(kind string) {
	c.mu.Lock()
	c.rejected[kind]++
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errs++
	c.mu.Unlock()
}

// AddPresence records one stats broadcast against the held connection count.
func (c *Collector) AddPresence(held, reported int64) {
	c.mu.Lock()
	c.drift.add(held, reported)
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

// Latency returns the summary of one series.
func (c *Collector) Latency(series string) Summary {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.latency[series]...)
	c.mu.Unlock()
	return Summarize(samples)
}

// Presence returns the drift between broadcast and held counts.
func (c *Collector) Presence() Drift {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drift
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	elapsed := time.Since(c.started)
	conns, errs := c.conns, c.errs
	rejected := make(map[string]int, len(c.rejected))
	for k, v := range c.rejected {
		rejected[k] = v
	}
	drift := c.drift
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Printf("\n=== pairchat load run: %s ===\n", elapsed.Round(time.Second))
	fmt.Printf("sessions %d  errors %d", conns, errs)
	if attempts := conns + errs; attempts > 0 {
		fmt.Printf("  (%.2f%% failed)", float64(errs)/float64(attempts)*100)
	}
	fmt.Println()

	for _, name := range seriesOrder {
		if s := c.Latency(name); s.N > 0 {
			fmt.Printf("%-8s %s\n", name, s)
		}
	}

	if len(rejected) > 0 {
		kinds := make([]string, 0, len(rejected))
		for k := range rejected {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Println("refused:")
		for _, k := range kinds {
			fmt.Printf("  %-20s %d\n", k, rejected[k])
		}
	}

	if drift.Samples > 0 {
		fmt.Printf("online broadcast minus held: min %+d max %+d last %+d (%d broadcasts)\n",
			drift.Min, drift.Max, drift.Last, drift.Samples)
	}

	if scraper != nil {
		scraper.Report()
	}
}
