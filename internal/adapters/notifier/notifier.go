// Package notifier implements ports.Notifier by POSTing notification
// events as JSON to a configured webhook URL (a chat system's incoming
// webhook, or any collector). Delivery failures are the caller's to
// swallow: the pipeline logs and moves on, per the rule that notification
// problems never affect dispatch state.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/ports"
	"github.com/openclaw/dispatch/internal/retry"
)

// Webhook posts notifications to a single URL.
type Webhook struct {
	url          string
	httpClient   *http.Client
	retryBackoff []time.Duration
}

// Option configures a Webhook.
type Option func(*Webhook)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(w *Webhook) { w.httpClient = hc }
}

// WithRetryBackoff overrides the delivery retry delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(w *Webhook) { w.retryBackoff = delays }
}

// New creates a Webhook notifier targeting url.
func New(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:          url,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		retryBackoff: retry.DefaultBackoff,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// event is the wire shape of one notification.
type event struct {
	Kind       string   `json:"kind"`
	Identifier string   `json:"identifier"`
	Title      string   `json:"title,omitempty"`
	Status     string   `json:"status,omitempty"`
	Attempt    int      `json:"attempt,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Pass       *bool    `json:"pass,omitempty"`
	Gaps       []string `json:"gaps,omitempty"`
}

// Notify implements ports.Notifier.
func (w *Webhook) Notify(ctx context.Context, kind ports.NotifyKind, payload ports.NotifyPayload) error {
	e := event{
		Kind:       string(kind),
		Identifier: payload.Identifier,
		Title:      payload.Title,
		Status:     payload.Status,
		Attempt:    payload.Attempt,
		Reason:     payload.Reason,
	}
	if payload.Verdict != nil {
		e.Pass = &payload.Verdict.Pass
		e.Gaps = payload.Verdict.Gaps
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	return retry.Do(ctx, func() error {
		return w.post(ctx, body)
	}, retry.WithBackoff(w.retryBackoff...))
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("building notification request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("notification rejected: %s", resp.Status))
	default:
		return fmt.Errorf("notification failed: %s", resp.Status)
	}
}
