package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/loadtest/client"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/loadtest/stats"
)

// runSaturate ramps up idle sessions on one conversation, holds them while
// reporting drops, then closes them all. It finds the point at which the
// server starts refusing or dropping sessions.
func runSaturate(args []string) error {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	base := fs.String("url", "ws://localhost:8080", "Server base URL")
	connections := fs.Int("connections", 1000, "Number of sessions to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after ramp-up")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous dials during ramp-up")
	metricsURL := fs.String("metrics", "", "Server /metrics URL to scrape (optional)")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Saturate test: %d sessions on %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *base, *rampUp, *hold, *concurrency)

	fx, err := seedConversation(ctx, *connections)
	if err != nil {
		return err
	}
	fmt.Printf("Seeded conversation %s\n", fx.conversation)

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)
	interrupted := false

	// Ramp-up
	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] sessions: %d/%d  errors: %d\n",
					collector.ConnectionCount(), *connections, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)
ramp:
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break ramp
		case <-rampTicker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(token string) {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(dialCtx, client.StreamURL(*base, fx.conversation, token), nil)
			if err != nil {
				recordDialError(collector, err)
				return
			}
			if err := c.Wait(dialCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(fx.tokens[i])
	}
	rampTicker.Stop()
	wg.Wait()
	close(progressStop)

	fmt.Printf("\nRamp-up complete: %d/%d sessions in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// Hold
	var dropped int
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d sessions for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				dropped = countClosed(&mu, clients)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", initial-dropped, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
		dropped = countClosed(&mu, clients)
	}

	// Cleanup
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	fmt.Printf("Closed %d sessions.\n", len(clients))
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nSessions dropped during hold: %d\n", dropped)
	}
	collector.Report(os.Stdout, 0)
	return nil
}

func countClosed(mu *sync.Mutex, clients []*client.Client) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			n++
		default:
		}
	}
	return n
}
