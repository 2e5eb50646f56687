package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig configures a webhook-backed channel.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

type webhook struct {
	url    string
	client *http.Client
}

func newWebhook(cfg WebhookConfig) (webhook, error) {
	if cfg.URL == "" {
		return webhook{}, fmt.Errorf("webhook URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return webhook{url: cfg.URL, client: &http.Client{Timeout: timeout}}, nil
}

func (w webhook) post(ctx context.Context, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status %s", resp.Status)
	}
	return nil
}

// Slack posts Block Kit messages to an incoming webhook.
type Slack struct {
	webhook
}

// NewSlack creates the Slack channel.
func NewSlack(cfg WebhookConfig) (*Slack, error) {
	w, err := newWebhook(cfg)
	if err != nil {
		return nil, fmt.Errorf("slack: %w", err)
	}
	return &Slack{webhook: w}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, p Payload) error {
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{"type": "plain_text", "text": p.Title, "emoji": true},
		},
	}
	if p.Description != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{"type": "mrkdwn", "text": p.Description},
		})
	}
	if len(p.Metrics) > 0 {
		fields := make([]map[string]interface{}, 0, len(p.Metrics))
		for _, m := range p.Metrics {
			fields = append(fields, map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s*\n%s", m.Name, m.summary()),
			})
		}
		blocks = append(blocks, map[string]interface{}{"type": "section", "fields": fields})
	}
	blocks = append(blocks, map[string]interface{}{
		"type": "context",
		"elements": []map[string]interface{}{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("%s / %s / %s | %s", p.StudioID, p.Branch, p.Environment, p.At.UTC().Format(time.RFC3339)),
			},
		},
	})
	return s.post(ctx, map[string]interface{}{"blocks": blocks})
}

// Discord posts embed messages to a webhook.
type Discord struct {
	webhook
}

// NewDiscord creates the Discord channel.
func NewDiscord(cfg WebhookConfig) (*Discord, error) {
	w, err := newWebhook(cfg)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	return &Discord{webhook: w}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, p Payload) error {
	fields := make([]map[string]interface{}, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		fields = append(fields, map[string]interface{}{
			"name":   m.Name,
			"value":  m.summary(),
			"inline": true,
		})
	}
	embed := map[string]interface{}{
		"title":       p.Title,
		"description": p.Description,
		"fields":      fields,
		"timestamp":   p.At.UTC().Format(time.RFC3339),
		"footer": map[string]interface{}{
			"text": fmt.Sprintf("%s / %s / %s", p.StudioID, p.Branch, p.Environment),
		},
	}
	return d.post(ctx, map[string]interface{}{"embeds": []map[string]interface{}{embed}})
}
