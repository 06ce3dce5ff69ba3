package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time.
type snapshot struct {
	at          time.Time
	connections float64
	subscribers float64
	published   float64
	delivered   float64
	skipped     float64
	rejections  float64
	// histogram _sum and _count
	publishSum   float64
	publishCount float64
}

// Scraper periodically fetches the server's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until Stop or ctx ends.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper after a final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now()}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "chat_connections_active":
			snap.connections = value
		case "chat_bus_subscribers":
			snap.subscribers = value
		case "chat_events_published_total":
			snap.published = value
		case "chat_events_delivered_total":
			snap.delivered = value
		case "chat_events_skipped_total":
			snap.skipped = value
		case "chat_admission_rejections_total":
			// One line per reason label.
			snap.rejections += value
		case "chat_publish_latency_seconds_sum":
			snap.publishSum = value
		case "chat_publish_latency_seconds_count":
			snap.publishCount = value
		}
	}
	return snap, sc.Err()
}

// parseMetricLine splits a text exposition sample such as
// `name{label="v"} 1.5` into its bare name and value.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.IndexByte(line[i:], '}')
		if j == -1 {
			return "", 0, false
		}
		name, rest = line[:i], line[i+j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak for each tracked metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Subscribers", func(s snapshot) float64 { return s.subscribers }},
		{"Published", func(s snapshot) float64 { return s.published }},
		{"Delivered", func(s snapshot) float64 { return s.delivered }},
		{"Skipped", func(s snapshot) float64 { return s.skipped }},
		{"Rejections", func(s snapshot) float64 { return s.rejections }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-12s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		a, b := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-12s %10.0f %10.0f %10.0f %10.0f\n", r.label, a, b, b-a, peak(snaps, r.extract))
	}

	fmt.Fprintln(w)
	if n := last.publishCount - first.publishCount; n > 0 {
		fmt.Fprintf(w, "  %-12s avg: %.6fs  (%.0f observations)\n", "Publish",
			(last.publishSum-first.publishSum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-12s avg: N/A  (no observations)\n", "Publish")
	}
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, extract(s))
	}
	return p
}
