package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dstanner/shutterbox/internal/model"
)

// ErrUnavailable reports that the notification channel rejected or could not
// accept the delivery. Callers treat it as best-effort loss, never as a
// reason to re-drive the workflow.
var ErrUnavailable = errors.New("notification channel unavailable")

// Channel delivers a user-facing alert. Implementations are synchronous and
// return an error the dispatcher logs and drops.
type Channel interface {
	Deliver(ctx context.Context, n model.Notification) error
}

// WebhookChannel POSTs notifications as JSON to a downstream push gateway.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel builds a channel against the given endpoint.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *WebhookChannel) Deliver(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// LogChannel is the fallback when no webhook is configured; notifications end
// up in the process log only.
type LogChannel struct {
	Printf func(template string, args ...any)
}

func (c *LogChannel) Deliver(_ context.Context, n model.Notification) error {
	c.Printf("notification: recipient=%s kind=%s image=%s", n.RecipientID, n.Kind, n.SubjectImageID)
	return nil
}
