package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// Webhook POSTs events as JSON to an external delivery service.
// Transient failures are retried with exponential backoff; a run of
// failures opens the circuit breaker and further sends fail fast.
type Webhook struct {
	url      string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	maxTries uint
	backoff  func() backoff.BackOff
}

var _ Sender = (*Webhook)(nil)

// WebhookOption customizes a Webhook.
type WebhookOption func(*Webhook)

// WithMaxTries bounds the attempts per event.
func WithMaxTries(n uint) WebhookOption {
	return func(w *Webhook) { w.maxTries = n }
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = d
			return b
		}
	}
}

// NewWebhook creates a webhook sender for url.
func NewWebhook(url string, client *http.Client, opts ...WebhookOption) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	w := &Webhook{
		url:      url,
		client:   client,
		maxTries: 3,
		backoff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-webhook",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send delivers ev, retrying server errors.
func (w *Webhook) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		_, err := w.breaker.Execute(func() (interface{}, error) {
			return nil, w.post(ctx, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(w.backoff()), backoff.WithMaxTries(w.maxTries))
	if err != nil {
		return fmt.Errorf("failed to deliver %s: %w", ev.Type, err)
	}
	return nil
}

// State reports the breaker state.
func (w *Webhook) State() gobreaker.State {
	return w.breaker.State()
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("webhook rejected event with %d", resp.StatusCode))
	}
	return nil
}
