package pos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teur/pos/signature"
)

// WebhookEventType enumerates the events sent to the host register.
type WebhookEventType string

const (
	WebhookEventPaymentCompleted WebhookEventType = "payment.completed"
	WebhookEventPaymentFailed    WebhookEventType = "payment.failed"
)

// WebhookOptions configures a [WebhookPublisher].
type WebhookOptions struct {
	// Endpoint receives POSTed events.
	Endpoint string
	// SecretKey signs the body with the Signature and Timestamp headers. Empty
	// sends unsigned events.
	SecretKey []byte
	// Client defaults to a client with a 10s timeout.
	Client *http.Client
}

type webhookEvent struct {
	Type WebhookEventType `json:"type"`
	Data TransitionEvent  `json:"data"`
}

// WebhookPublisher is an [EventPublisher] that notifies an HTTP endpoint when
// an attempt reaches DONE or FAILED. Intermediate transitions are skipped.
type WebhookPublisher struct {
	opts  WebhookOptions
	clock func() time.Time
}

// NewWebhookPublisher validates opts and builds the publisher.
func NewWebhookPublisher(opts WebhookOptions) (*WebhookPublisher, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("webhook: endpoint is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookPublisher{opts: opts, clock: time.Now}, nil
}

// Publish sends terminal transitions.
func (p *WebhookPublisher) Publish(ctx context.Context, event TransitionEvent) error {
	var typ WebhookEventType
	switch event.State {
	case StateDone:
		typ = WebhookEventPaymentCompleted
	case StateFailed:
		typ = WebhookEventPaymentFailed
	default:
		return nil
	}
	body, err := json.Marshal(webhookEvent{Type: typ, Data: event})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(p.opts.SecretKey) > 0 {
		if err := signature.SignRequest(req, p.opts.SecretKey, p.clock()); err != nil {
			return fmt.Errorf("webhook: sign: %w", err)
		}
	}

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook: endpoint %s returned %s: %s", p.opts.Endpoint, resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher []EventPublisher

// Publish implements [EventPublisher].
func (m MultiPublisher) Publish(ctx context.Context, event TransitionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
