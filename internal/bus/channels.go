package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kihw/modhub-central-management-sub000/internal/util"
)

// LogChannel writes events to the daemon log. It is the default global
// channel so that events remain observable without any configuration.
type LogChannel struct {
	logger *util.Logger
	name   string
}

// NewLogChannel creates a log-backed notification channel.
func NewLogChannel(name string, logger *util.Logger) *LogChannel {
	return &LogChannel{logger: logger, name: name}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Notify(_ context.Context, ev Event) error {
	c.logger.Infof("event %s severity=%d source=%s details=%v", ev.Type, ev.Severity, ev.Source, ev.Details)
	return nil
}

// WebhookChannel POSTs events as JSON to a fixed URL.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(name, url string) *WebhookChannel {
	return &WebhookChannel{name: name, url: url, client: &http.Client{}}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}
