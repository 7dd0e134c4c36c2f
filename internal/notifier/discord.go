// Package notifier delivers operator alerts for blocked feed runs.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

const (
	colorBlocked  = 15158332 // #E74C3C
	colorFallback = 15105570 // #E67E22

	maxRetries   = 3
	retryBase    = 500 * time.Millisecond
	retryCeiling = 10 * time.Second
)

type Client struct {
	webhookURL  string
	client      *http.Client
	rateLimiter *rate.Limiter
}

// New returns a Discord webhook client. Discord allows roughly 30 webhook requests a minute.
func New(webhookURL string) *Client {
	return &Client{
		webhookURL:  webhookURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
}

// NotifyBreaker posts a blocked-run alert and returns once Discord accepted it.
func (c *Client) NotifyBreaker(ctx context.Context, ev models.BreakerEvent) error {
	if c.webhookURL == "" {
		return nil
	}
	_, err := c.send(ctx, formatBreakerEmbed(ev))
	return err
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func formatBreakerEmbed(ev models.BreakerEvent) discordEmbed {
	name := ev.FeedName
	if name == "" {
		name = ev.FeedID
	}
	color := colorBlocked
	if ev.Reason == "data-quality-fallback-spike" {
		color = colorFallback
	}

	var ts string
	if !ev.OccurredAt.IsZero() {
		ts = ev.OccurredAt.UTC().Format(time.RFC3339)
	}

	m := ev.Metrics
	return discordEmbed{
		Title:       "Feed run blocked: " + name,
		Description: fmt.Sprintf("Circuit breaker tripped with `%s`. The run is held for review and nothing was promoted.", ev.Reason),
		Timestamp:   ts,
		Color:       color,
		Fields: []discordEmbedField{
			{Name: "Seller", Value: ev.SellerID, Inline: true},
			{Name: "Run", Value: ev.RunID, Inline: true},
			{Name: "Active before", Value: strconv.Itoa(m.ActiveCountBefore), Inline: true},
			{Name: "Seen", Value: strconv.Itoa(m.SeenSuccessCount), Inline: true},
			{Name: "Would expire", Value: strconv.Itoa(m.WouldExpireCount()), Inline: true},
			{Name: "Fallback ids", Value: fmt.Sprintf("%d / %d", m.FallbackIdentifierCount, m.TotalUpserted), Inline: true},
		},
		Footer: discordEmbedFooter{Text: "feedctl reviews resolve " + ev.RunID},
	}
}

// send posts the embed with wait=true and returns the created message ID. 429 and 5xx
// responses are retried.
func (c *Client) send(ctx context.Context, embed discordEmbed) (string, error) {
	payloadBytes, err := json.Marshal(discordWebhookPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(c.webhookURL)
	if err != nil {
		return "", err
	}
	q := parsedURL.Query()
	q.Set("wait", "true")
	parsedURL.RawQuery = q.Encode()

	for attempt := 0; ; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsedURL.String(), bytes.NewReader(payloadBytes))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", err
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var msgResponse discordMessageResponse
			if err := json.Unmarshal(bodyBytes, &msgResponse); err != nil {
				return "", err
			}
			return msgResponse.ID, nil
		}

		wait := retryBackoff(resp, attempt)
		if wait == 0 || attempt >= maxRetries {
			return "", fmt.Errorf("discord status: %s, body: %s", resp.Status, string(bodyBytes))
		}
		slog.Warn("Discord webhook failed, retrying", "status", resp.StatusCode, "attempt", attempt+1, "wait", wait)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// retryBackoff returns how long to wait before retrying the response, or zero when it must
// not be retried.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		return util.Backoff(retryBase, retryCeiling, attempt)
	case resp.StatusCode >= 500:
		return util.Backoff(retryBase, retryCeiling, attempt)
	default:
		return 0
	}
}
