package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/loadtest/client"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/loadtest/stats"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/protocol"
)

const stampPrefix = "lt:"

// runFanout connects subscribers to one conversation, then has senders post
// messages through the HTTP API at a fixed rate. Every message carries its
// send time so each subscriber can record end-to-end delivery latency.
//
// The server's per-user send limit applies to each sender; raise
// MESSAGE_RATE_LIMIT or add senders for high rates.
func runFanout(args []string) error {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	base := fs.String("url", "ws://localhost:8080", "Server base URL")
	subscribers := fs.Int("subscribers", 100, "Number of live sessions")
	senders := fs.Int("senders", 1, "Number of users posting messages")
	messages := fs.Int("messages", 100, "Total messages to post")
	rate := fs.Float64("rate", 10, "Messages per second across all senders")
	drain := fs.Duration("drain", 5*time.Second, "Time to wait for deliveries after the last post")
	metricsURL := fs.String("metrics", "", "Server /metrics URL to scrape (optional)")
	fs.Parse(args)

	if *subscribers < 1 || *senders < 1 || *rate <= 0 {
		return fmt.Errorf("subscribers, senders and rate must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Fanout test: %d messages at %.1f/s to %d subscribers on %s\n",
		*messages, *rate, *subscribers, *base)

	fx, err := seedConversation(ctx, *subscribers+*senders)
	if err != nil {
		return err
	}

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	onMessage := func(raw json.RawMessage) {
		var frame struct {
			Data struct {
				Content string `json:"content"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		ns, ok := strings.CutPrefix(frame.Data.Content, stampPrefix)
		if !ok {
			return
		}
		sent, err := strconv.ParseInt(ns, 10, 64)
		if err != nil {
			return
		}
		collector.AddDelivery(time.Since(time.Unix(0, sent)))
	}

	// Connect subscribers
	var mu sync.Mutex
	var clients []*client.Client
	var wg sync.WaitGroup
	sem := make(chan struct{}, 50)
	for _, token := range fx.tokens[:*subscribers] {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := client.New(dialCtx, client.StreamURL(*base, fx.conversation, token),
				map[string]func(json.RawMessage){protocol.TypeMessage: onMessage})
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
		}()
	}
	wg.Wait()
	live := len(clients)
	fmt.Printf("%d/%d subscribers connected\n", live, *subscribers)

	// Publish
	apiBase := "http" + strings.TrimPrefix(strings.TrimRight(*base, "/"), "ws")
	httpClient := &http.Client{Timeout: 10 * time.Second}
	senderTokens := fx.tokens[*subscribers:]

	ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	sent, published := 0, 0
publish:
	for sent < *messages {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during publish.")
			break publish
		case <-ticker.C:
		}
		token := senderTokens[sent%len(senderTokens)]
		if err := postMessage(ctx, httpClient, apiBase, fx.conversation, token); err != nil {
			collector.AddError()
		} else {
			collector.AddPublished()
			published++
		}
		sent++
	}
	ticker.Stop()

	// Drain
	expected := live * published
	deadline := time.After(*drain)
waitLoop:
	for collector.DeliveryCount() < expected {
		select {
		case <-deadline:
			break waitLoop
		case <-ctx.Done():
			break waitLoop
		case <-time.After(50 * time.Millisecond):
		}
	}

	for _, c := range clients {
		c.Close()
	}
	collector.Report(os.Stdout, expected)
	return nil
}

func postMessage(ctx context.Context, hc *http.Client, apiBase string, chatID uuid.UUID, token string) error {
	body, err := json.Marshal(map[string]string{
		"content": stampPrefix + strconv.FormatInt(time.Now().UnixNano(), 10),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase+"/api/chats/"+chatID.String()+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post message: %s", resp.Status)
	}
	return nil
}
