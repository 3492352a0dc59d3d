package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client
	log     *slog.Logger
}

func NewWebhookNotifier(url, service string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url:     url,
		service: service,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With("component", "webhook"),
	}
}

// webhookPayload is the body receivers get. The feed block is omitted for
// alerts that are not about a feed.
type webhookPayload struct {
	Service string       `json:"service,omitempty"`
	Level   string       `json:"level"`
	Source  string       `json:"source,omitempty"`
	Title   string       `json:"title"`
	Message string       `json:"message"`
	At      string       `json:"ts"`
	Feed    *feedPayload `json:"feed,omitempty"`
}

type feedPayload struct {
	Name      string `json:"name"`
	Failures  int    `json:"consecutive_failures"`
	LastError string `json:"last_error"`
}

func (w *WebhookNotifier) payload(a Alert) webhookPayload {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p := webhookPayload{
		Service: w.service,
		Level:   string(a.Level),
		Source:  a.Source,
		Title:   a.Title,
		Message: a.Message,
		At:      at.Format(time.RFC3339Nano),
	}
	if a.IsFeedAlert() {
		p.Feed = &feedPayload{Name: a.Feed, Failures: a.Failures, LastError: a.LastError}
	}
	return p
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if err := postJSON(ctx, w.client, w.url, w.payload(alert)); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	w.log.Debug("alert sent", "level", string(alert.Level), "feed", alert.Feed)
	return nil
}
