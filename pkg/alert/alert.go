// Package alert delivers operational notifications to external
// channels. Channels are independent endpoints; a broadcast fans out in
// parallel and reports per-channel failures without blocking on the
// slowest receiver.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Castellan-Labs/quorum/core/pkg/util/resiliency"
)

// Severity orders notifications for receivers that triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one outbound alert.
type Notification struct {
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Broadcast sends n to every channel in parallel and returns the
// channels that failed. Delivery is best-effort; the caller has
// already halted before notifying.
func Broadcast(ctx context.Context, channels []Channel, n Notification) map[string]error {
	var mu sync.Mutex
	failed := make(map[string]error)

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := ch.Notify(ctx, n); err != nil {
				mu.Lock()
				failed[ch.Name()] = err
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()
	return failed
}

// WebhookChannel POSTs notifications as JSON to a fixed URL.
type WebhookChannel struct {
	name   string
	url    string
	client *resiliency.Client
}

// NewWebhookChannel builds a webhook channel with a resilient client.
func NewWebhookChannel(name, url string) *WebhookChannel {
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: resiliency.NewClient("alert-"+name, 10*time.Second),
	}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("alert: encoding notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: delivering to %s: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: %s returned status %d", c.name, resp.StatusCode)
	}
	return nil
}

// LogChannel writes notifications to the structured log. Used as the
// always-available channel of last resort.
type LogChannel struct {
	log *slog.Logger
}

// NewLogChannel creates a channel over the given logger.
func NewLogChannel(log *slog.Logger) *LogChannel {
	if log == nil {
		log = slog.Default()
	}
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Notify(_ context.Context, n Notification) error {
	c.log.Warn("alert",
		"severity", string(n.Severity),
		"title", n.Title,
		"body", n.Body,
		"source", n.Source,
	)
	return nil
}
