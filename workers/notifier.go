package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Notification is one outbound message produced by the communication worker.
type Notification struct {
	Channel string
	To      string
	Subject string
	Message string
}

// Notifier delivers notifications to a real channel.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

// Send tries every notifier and returns the first error.
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var firstErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiNotifier) Name() string {
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// WebhookNotifier posts notifications as JSON to a webhook URL.
type WebhookNotifier struct {
	URL    string
	Format string // "slack" or "custom"
	client *http.Client
}

func NewWebhookNotifier(url, format string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Format: format,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	var payload any
	switch w.Format {
	case "custom":
		payload = map[string]string{
			"channel": n.Channel,
			"to":      n.To,
			"subject": n.Subject,
			"message": n.Message,
		}
	default:
		payload = map[string]string{"text": fmt.Sprintf("%s: %s", n.Subject, n.Message)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookNotifier) Name() string { return "webhook" }
