package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tmarchal/medispense/infra/logger"
)

// WebhookChannel delivers notifications by POSTing JSON to an HTTP endpoint,
// typically a paging or SMS gateway.
type WebhookChannel struct {
	url    string
	client *http.Client
	log    logger.Logger
}

// NewWebhookChannel creates a channel targeting url.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.New("notify-webhook"),
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the notification payload. Any non-2xx response is an error.
func (c *WebhookChannel) Send(ctx context.Context, recipient, message string) error {
	payload, err := json.Marshal(struct {
		Recipient string    `json:"recipient"`
		Message   string    `json:"message"`
		SentAt    time.Time `json:"sentAt"`
	}{recipient, message, time.Now()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook to %s: %w", recipient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook to %s: unexpected status %d", recipient, resp.StatusCode)
	}
	c.log.Debugf("webhook notification delivered to %s", recipient)
	return nil
}
