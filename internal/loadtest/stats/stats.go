// Package stats aggregates load test measurements from many clients and
// prints a percentile summary.
package stats

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates measurements. All methods are goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	deliveries       []time.Duration
	connections      int
	errors           int
	rejected         map[int]int // upgrade refusals by HTTP status
	published        int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), rejected: map[int]int{}}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// ours.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an admitted session and how long admission took.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddRejected records an upgrade the server refused with status.
func (c *Collector) AddRejected(status int) {
	c.mu.Lock()
	c.rejected[status]++
	c.mu.Unlock()
}

// AddPublished counts one event sent through the HTTP API.
func (c *Collector) AddPublished() {
	c.mu.Lock()
	c.published++
	c.mu.Unlock()
}

// AddDelivery records the publish-to-receive latency of one event at one
// subscriber.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

// AddError counts a failure that is not an upgrade refusal.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of admitted sessions so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of failures so far, refusals included.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.errors
	for _, v := range c.rejected {
		n += v
	}
	return n
}

// DeliveryCount returns the number of recorded deliveries.
func (c *Collector) DeliveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

// Summary is a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of durations. It sorts a copy.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N)
}

// Report writes the summary to w. expected is the number of deliveries a
// lossless run would produce; pass 0 to omit the loss line.
func (c *Collector) Report(w io.Writer, expected int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	for status, n := range c.rejected {
		fmt.Fprintf(w, "Rejected %d: %d\n", status, n)
	}
	if c.published > 0 {
		fmt.Fprintf(w, "Published:    %d\n", c.published)
	}
	if expected > 0 {
		lost := expected - len(c.deliveries)
		fmt.Fprintf(w, "Delivered:    %d/%d (%.2f%% lost)\n",
			len(c.deliveries), expected, float64(lost)/float64(expected)*100)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, " ", Summarize(c.connectLatencies))
	}
	if len(c.deliveries) > 0 {
		fmt.Fprintln(w, "\n--- Delivery Latency ---")
		fmt.Fprintln(w, " ", Summarize(c.deliveries))
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}
