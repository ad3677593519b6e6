package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sample is one scrape of /metrics. Keys are the series as exposed, labels
// included: pairchat_matches_total{outcome="random"}.
type sample struct {
	at     time.Time
	values map[string]float64
}

// family sums every series of the metric name.
func (s sample) family(name string) float64 {
	var total float64
	for k, v := range s.values {
		if k == name || strings.HasPrefix(k, name+"{") {
			total += v
		}
	}
	return total
}

// byLabel splits a metric family by the value of one label.
func (s sample) byLabel(name, label string) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range s.values {
		if !strings.HasPrefix(k, name+"{") {
			continue
		}
		if lv, ok := labelValue(k[len(name):], label); ok {
			out[lv] += v
		}
	}
	return out
}

func labelValue(labels, label string) (string, bool) {
	i := strings.Index(labels, label+`="`)
	if i < 0 {
		return "", false
	}
	rest := labels[i+len(label)+2:]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

// parseExposition reads the Prometheus text format. Comments and lines it
// cannot parse are skipped.
func parseExposition(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key := line
		rest := ""
		if end := strings.IndexByte(line, '}'); end >= 0 && strings.IndexByte(line, '{') >= 0 {
			key, rest = line[:end+1], line[end+1:]
		} else if sp := strings.IndexAny(line, " \t"); sp >= 0 {
			key, rest = line[:sp], line[sp:]
		} else {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		values[key] = v
	}
	return values, sc.Err()
}

// ServerView is what the server's metrics say about a run.
type ServerView struct {
	Scrapes int
	Span    time.Duration

	PeakOnline, FinalOnline   float64
	PeakWaiting, FinalWaiting float64
	PeakRooms, FinalRooms     float64

	Matches     map[string]float64 // delta by outcome
	Relayed     float64
	RateLimited float64
	SweptRooms  float64

	// DegradedFlips counts transitions of pairchat_store_degraded in either
	// direction; DegradedScrapes counts scrapes taken while degraded.
	DegradedFlips   int
	DegradedScrapes int

	AvgQueueWait time.Duration
	QueueWaits   float64
}

func summarizeServer(samples []sample) ServerView {
	var v ServerView
	if len(samples) == 0 {
		return v
	}
	first, last := samples[0], samples[len(samples)-1]
	v.Scrapes = len(samples)
	v.Span = last.at.Sub(first.at)

	prevDegraded := first.family("pairchat_store_degraded") > 0
	for _, s := range samples {
		v.PeakOnline = max(v.PeakOnline, s.family("pairchat_online_clients"))
		v.PeakWaiting = max(v.PeakWaiting, s.family("pairchat_waiting_clients"))
		v.PeakRooms = max(v.PeakRooms, s.family("pairchat_active_rooms"))

		degraded := s.family("pairchat_store_degraded") > 0
		if degraded {
			v.DegradedScrapes++
		}
		if degraded != prevDegraded {
			v.DegradedFlips++
		}
		prevDegraded = degraded
	}
	v.FinalOnline = last.family("pairchat_online_clients")
	v.FinalWaiting = last.family("pairchat_waiting_clients")
	v.FinalRooms = last.family("pairchat_active_rooms")

	delta := func(name string) float64 { return last.family(name) - first.family(name) }
	v.Relayed = delta("pairchat_relayed_total")
	v.RateLimited = delta("pairchat_rate_limited_total")
	v.SweptRooms = delta("pairchat_swept_rooms_total")

	v.Matches = last.byLabel("pairchat_matches_total", "outcome")
	for outcome, n := range first.byLabel("pairchat_matches_total", "outcome") {
		v.Matches[outcome] -= n
	}

	v.QueueWaits = delta("pairchat_match_duration_seconds_count")
	if v.QueueWaits > 0 {
		secs := delta("pairchat_match_duration_seconds_sum") / v.QueueWaits
		v.AvgQueueWait = time.Duration(secs * float64(time.Second))
	}
	return v
}

// Scraper polls the server's metrics endpoint for the length of a run.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu      sync.Mutex
	samples []sample

	stop chan struct{}
	done chan struct{}
}

// NewScraper polls url every interval once started.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start takes a baseline scrape and keeps polling until Stop or ctx ends.
func (s *Scraper) Start(ctx context.Context) {
	s.scrape(ctx)
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.scrape(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				s.scrape(context.Background())
				return
			}
		}
	}()
}

// Stop takes a last scrape and waits for the poller to exit.
func (s *Scraper) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Scraper) scrape(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: time.Now(), values: values})
	s.mu.Unlock()
}

// View summarizes the scrapes taken so far.
func (s *Scraper) View() ServerView {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()
	return summarizeServer(samples)
}

// Report prints the server-side view.
func (s *Scraper) Report() {
	v := s.View()
	if v.Scrapes == 0 {
		fmt.Printf("server: no metrics from %s\n", s.url)
		return
	}
	fmt.Printf("server (%d scrapes over %s):\n", v.Scrapes, v.Span.Round(time.Second))
	fmt.Printf("  online   peak %.0f final %.0f\n", v.PeakOnline, v.FinalOnline)
	fmt.Printf("  waiting  peak %.0f final %.0f\n", v.PeakWaiting, v.FinalWaiting)
	fmt.Printf("  rooms    peak %.0f final %.0f\n", v.PeakRooms, v.FinalRooms)

	if len(v.Matches) > 0 {
		outcomes := make([]string, 0, len(v.Matches))
		for o := range v.Matches {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		fmt.Print("  matches ")
		for _, o := range outcomes {
			fmt.Printf(" %s=%.0f", o, v.Matches[o])
		}
		fmt.Println()
	}
	if v.QueueWaits > 0 {
		fmt.Printf("  queue wait avg %v over %.0f matches\n", v.AvgQueueWait.Round(time.Microsecond), v.QueueWaits)
	}
	fmt.Printf("  relayed %.0f  rate limited %.0f  swept rooms %.0f\n", v.Relayed, v.RateLimited, v.SweptRooms)
	if v.DegradedScrapes > 0 || v.DegradedFlips > 0 {
		fmt.Printf("  store degraded in %d of %d scrapes (%d transitions)\n",
			v.DegradedScrapes, v.Scrapes, v.DegradedFlips)
	}
}
