// Package notify delivers out-of-band messages about issued disclosure
// tickets. Delivery is best effort: a failed notification is logged, never
// fatal, and never invalidates the ticket.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"keylease.org/internal/lease"
	"keylease.org/internal/obs"
)

const defaultTimeout = 10 * time.Second

// Config configures the webhook notifier.
type Config struct {
	URL     string
	Timeout time.Duration
	// TicketBaseURL prefixes the ticket id in the message link, e.g.
	// https://broker.internal/v1/tickets
	TicketBaseURL string
}

// Notifier posts Slack-style block messages to a chat webhook.
type Notifier struct {
	cfg    Config
	client *http.Client
}

// Option configures Notifier.
type Option func(*Notifier)

// WithClient injects a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

// New creates a notifier. An empty webhook URL produces a disabled notifier
// whose TicketIssued is a logged no-op.
func New(cfg Config, opts ...Option) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// TicketIssued announces a fresh disclosure ticket to the requesting
// principal's channel. Returns false when delivery did not happen; callers
// treat that as informational only.
func (n *Notifier) TicketIssued(ctx context.Context, principal string, backend lease.Kind, ticketID string, expiresAt time.Time) bool {
	link := ticketID
	if n.cfg.TicketBaseURL != "" {
		link = n.cfg.TicketBaseURL + "/" + ticketID
	}

	msg := map[string]any{
		"text": fmt.Sprintf("Database access granted: %s", backend),
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{"type": "plain_text", "text": fmt.Sprintf("Secure database access - %s", backend)},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Requested by:* %s\n*Backend:* %s\n*Expires:* %s",
						principal, backend, expiresAt.UTC().Format(time.RFC3339)),
				},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*One-time access link:* %s\nThe link self-destructs after the first view.", link),
				},
			},
		},
	}

	if n.cfg.URL == "" {
		obs.LogEvent("info", "notifier disabled, skipping delivery", map[string]any{
			"ticket_id": ticketID,
			"principal": principal,
		})
		return false
	}

	body, err := json.Marshal(msg)
	if err != nil {
		obs.LogEvent("error", "notification marshal failed", map[string]any{"error": err.Error()})
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		obs.LogEvent("error", "notification request failed", map[string]any{"error": err.Error()})
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		obs.LogEvent("error", "notification delivery failed", map[string]any{
			"ticket_id": ticketID,
			"error":     err.Error(),
		})
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		obs.LogEvent("error", "notification rejected", map[string]any{
			"ticket_id": ticketID,
			"status":    resp.StatusCode,
		})
		return false
	}
	return true
}
