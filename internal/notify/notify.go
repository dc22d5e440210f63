// Package notify delivers terminal-failure notifications to video owners'
// systems. Delivery failures are reported to the caller but must never affect
// job state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamforge/internal/observability/logging"
)

// FailurePayload describes a video whose processing retries are exhausted.
type FailurePayload struct {
	VideoID  string `json:"video_id"`
	Title    string `json:"title"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Notifier is invoked exactly once per video reaching the failed state.
type Notifier interface {
	NotifyFailure(ctx context.Context, payload FailurePayload) error
}

// LogNotifier records failures in the structured log. It is the default sink
// when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logging.WithComponent(logger, "notify")}
}

func (n *LogNotifier) NotifyFailure(_ context.Context, payload FailurePayload) error {
	n.logger.Error("video processing failed permanently",
		"video_id", payload.VideoID,
		"title", payload.Title,
		"error", payload.Error,
		"attempts", payload.Attempts)
	return nil
}

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier POSTs the failure payload as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) (*WebhookNotifier, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookNotifier{url: trimmed, client: client}, nil
}

func (n *WebhookNotifier) NotifyFailure(ctx context.Context, payload FailurePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Fanout delivers to every notifier, returning the first error encountered
// after all have been attempted.
type Fanout []Notifier

func (f Fanout) NotifyFailure(ctx context.Context, payload FailurePayload) error {
	var firstErr error
	for _, notifier := range f {
		if err := notifier.NotifyFailure(ctx, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
