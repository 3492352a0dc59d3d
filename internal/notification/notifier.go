// Package notification delivers operator alerts (a feed that keeps failing
// to start, a store that went away) to Telegram, a webhook or the log.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// criticalAfter is the failure streak at which a feed alert escalates.
const criticalAfter = 10

// Alert is one notification. Feed, Failures and LastError are set for feed
// alerts only.
type Alert struct {
	Level   AlertLevel
	Source  string
	Title   string
	Message string
	At      time.Time

	Feed      string
	Failures  int
	LastError string
}

// IsFeedAlert reports whether the alert carries a feed failure streak.
func (a Alert) IsFeedAlert() bool { return a.Feed != "" && a.Failures > 0 }

// Notifier delivers alerts.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// FeedFailing builds the alert raised when a feed failed to start
// consecutive times in a row.
func FeedFailing(feed string, consecutive int, err error) Alert {
	level := AlertWarning
	if consecutive >= criticalAfter {
		level = AlertCritical
	}
	lastErr := "unknown"
	if err != nil {
		lastErr = err.Error()
	}
	return Alert{
		Level:     level,
		Source:    feed,
		Title:     fmt.Sprintf("feed %s failing to start", feed),
		Message:   fmt.Sprintf("%d consecutive start failures, last error: %s", consecutive, lastErr),
		At:        time.Now().UTC(),
		Feed:      feed,
		Failures:  consecutive,
		LastError: lastErr,
	}
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	attrs := []any{
		"level", string(alert.Level),
		"source", alert.Source,
		"title", alert.Title,
	}
	if alert.IsFeedAlert() {
		attrs = append(attrs, "feed", alert.Feed, "failures", alert.Failures, "last_error", alert.LastError)
	} else {
		attrs = append(attrs, "message", alert.Message)
	}
	n.log.WarnContext(ctx, "alert", attrs...)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// postJSON POSTs v and fails on any non-2xx answer.
func postJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
