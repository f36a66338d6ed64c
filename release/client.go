// Package release redeems tEUR tokens through the token release API.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/teur/pos"
)

// APIKeyHeader carries the terminal's key on every release call.
const APIKeyHeader = "X-API-Key"

const snippetLimit = 4096

type releaseRequest struct {
	PaymentID string `json:"paymentId"`
	Secret    string `json:"secret"`
}

// Client calls POST {base}/payments/{paymentId}/release. It makes exactly one
// attempt per call.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customizes a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a client for the API rooted at baseURL, e.g.
// https://api.example.com/api/v1.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// Release redeems the tokens of paymentID. Success iff the API answers 2xx.
// A missing id or secret fails without a network call.
func (c *Client) Release(ctx context.Context, paymentID, secret string) pos.ReleaseOutcome {
	if err := (pos.PaymentRecord{PaymentID: paymentID, Secret: secret}).Check(); err != nil {
		return pos.ReleaseOutcome{Err: err}
	}
	log := c.logger.With(zap.String("payment_id", paymentID))

	req, err := c.newRequest(ctx, paymentID, secret)
	if err != nil {
		return pos.ReleaseOutcome{Err: pos.NewTransportError("could not build release request", pos.WithCause(err))}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("Token release request failed", zap.Error(err))
		return pos.ReleaseOutcome{Err: pos.NewTransportError("token release request failed", pos.WithCause(err))}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, snippetLimit))
		log.Info("Tokens released", zap.Int("status_code", resp.StatusCode))
		return pos.ReleaseOutcome{Success: true, StatusCode: resp.StatusCode}
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	log.Warn("Token release rejected",
		zap.Int("status_code", resp.StatusCode),
		zap.String("body", strings.TrimSpace(string(snippet))),
	)
	return pos.ReleaseOutcome{
		StatusCode: resp.StatusCode,
		Err:        pos.NewAPIError(resp.StatusCode, fmt.Sprintf("token release returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))),
	}
}

func (c *Client) newRequest(ctx context.Context, paymentID, secret string) (*http.Request, error) {
	pathID, err := runtime.StyleParamWithLocation("simple", false, "paymentId", runtime.ParamLocationPath, paymentID)
	if err != nil {
		return nil, fmt.Errorf("release: style payment id: %w", err)
	}
	body, err := json.Marshal(releaseRequest{PaymentID: paymentID, Secret: secret})
	if err != nil {
		return nil, fmt.Errorf("release: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments/"+pathID+"/release", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("release: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}
