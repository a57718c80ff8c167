// Package notifier posts sync run summaries to a Discord webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokusearch/dealsync/internal/models"
)

const (
	colorSuccess = 3066993  // #2ECC71
	colorSkipped = 9807270  // #95A5A6
	colorWarning = 15105570 // #E67E22
	colorFailure = 15158332 // #E74C3C

	maxSendAttempts   = 3
	maxSampleInEmbed  = 10
	maxFieldValueSize = 1024
)

type Client struct {
	webhookURL  string
	client      *http.Client
	rateLimiter *rate.Limiter
	baseBackoff time.Duration
}

// New returns a Client for webhookURL. An empty URL yields a Client whose
// methods do nothing.
func New(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		// Discord allows about 30 webhook messages per minute per channel.
		rateLimiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		baseBackoff: time.Second,
	}
}

// NotifySyncResult posts the summary of a committed or skipped run.
func (c *Client) NotifySyncResult(ctx context.Context, trigger string, res *models.SyncResult) error {
	if c.webhookURL == "" || res == nil {
		return nil
	}
	_, err := c.send(ctx, formatResultEmbed(trigger, res))
	return err
}

// NotifySyncFailure posts the failure kind and stage of a run.
func (c *Client) NotifySyncFailure(ctx context.Context, trigger string, runErr error) error {
	if c.webhookURL == "" || runErr == nil {
		return nil
	}
	_, err := c.send(ctx, formatFailureEmbed(trigger, runErr, time.Now()))
	return err
}

// send posts one embed and returns the created message ID.
func (c *Client) send(ctx context.Context, embed discordEmbed) (string, error) {
	if c.webhookURL == "" {
		return "", nil
	}
	payload, err := json.Marshal(discordWebhookPayload{Embeds: []discordEmbed{embed}})
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

	body, err := c.do(ctx, http.MethodPost, parsedURL.String(), payload)
	if err != nil {
		return "", err
	}
	var msgResponse discordMessageResponse
	if err := json.Unmarshal(body, &msgResponse); err != nil {
		return "", fmt.Errorf("failed to decode discord response: %w", err)
	}
	return msgResponse.ID, nil
}

// do sends the request, retrying on 429 and 5xx responses.
func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if !c.sleep(ctx, c.baseBackoff<<attempt) {
				return nil, ctx.Err()
			}
			continue
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return bodyBytes, nil
		}
		lastErr = fmt.Errorf("discord status: %s, body: %s", resp.Status, string(bodyBytes))

		backoff := c.retryBackoff(resp, attempt)
		if backoff == 0 {
			return nil, lastErr
		}
		if attempt < maxSendAttempts-1 && !c.sleep(ctx, backoff) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("discord request failed after %d attempts: %w", maxSendAttempts, lastErr)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// retryBackoff returns how long to wait before retrying resp, or zero when
// the response should not be retried.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		return c.baseBackoff << attempt
	case resp.StatusCode >= 500:
		return c.baseBackoff << attempt
	default:
		return 0
	}
}

// Internal structures
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

func formatResultEmbed(trigger string, res *models.SyncResult) discordEmbed {
	if res.Skipped {
		return discordEmbed{
			Title:       "Deal sync skipped",
			Description: "The previous run finished less than the minimum interval ago.",
			Timestamp:   res.FinishedAt.Format(time.RFC3339),
			Color:       colorSkipped,
			Footer:      discordEmbedFooter{Text: "trigger: " + trigger},
		}
	}

	color := colorSuccess
	if res.DuplicateIDCount > 0 {
		color = colorWarning
	}
	fields := []discordEmbedField{
		{Name: "Source rows", Value: strconv.Itoa(res.SourceCount), Inline: true},
		{Name: "Unique ids", Value: strconv.Itoa(res.UniqueCount), Inline: true},
		{Name: "Upserted", Value: strconv.Itoa(res.UpsertedCount), Inline: true},
		{Name: "Duplicate ids", Value: strconv.Itoa(res.DuplicateIDCount), Inline: true},
		{Name: "Duration", Value: res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String(), Inline: true},
	}
	if sample := formatSample(res.DuplicateSample); sample != "" {
		fields = append(fields, discordEmbedField{Name: "Duplicate sample", Value: sample})
	}

	return discordEmbed{
		Title:     "Deal sync completed",
		Timestamp: res.FinishedAt.Format(time.RFC3339),
		Color:     color,
		Fields:    fields,
		Footer:    discordEmbedFooter{Text: fmt.Sprintf("run %s · trigger: %s", res.RunID, trigger)},
	}
}

func formatSample(sample []models.DuplicateCount) string {
	if len(sample) == 0 {
		return ""
	}
	var b strings.Builder
	for i, d := range sample {
		if i == maxSampleInEmbed {
			fmt.Fprintf(&b, "… and %d more", len(sample)-i)
			break
		}
		fmt.Fprintf(&b, "`%s` ×%d\n", d.ID, d.Count)
	}
	return truncate(strings.TrimSpace(b.String()), maxFieldValueSize)
}

func formatFailureEmbed(trigger string, runErr error, now time.Time) discordEmbed {
	fields := []discordEmbedField{
		{Name: "Kind", Value: models.ErrorKind(runErr), Inline: true},
	}
	if stage := models.ErrorStage(runErr); stage != "" {
		fields = append(fields, discordEmbedField{Name: "Stage", Value: stage, Inline: true})
	}
	var serr *models.SyncError
	if errors.As(runErr, &serr) && serr.DealID != "" {
		fields = append(fields, discordEmbedField{Name: "Deal", Value: serr.DealID, Inline: true})
	}
	return discordEmbed{
		Title:       "Deal sync failed",
		Description: truncate(runErr.Error(), 2000),
		Timestamp:   now.UTC().Format(time.RFC3339),
		Color:       colorFailure,
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: "trigger: " + trigger},
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
