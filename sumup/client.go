// Package sumup is a client for the SumUp REST API covering checkouts and
// card-present payments on paired readers.
package sumup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/teur/pos"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.sumup.com/v0.1"

const snippetLimit = 4096

// Client implements [pos.ReaderGateway] against the SumUp API.
type Client struct {
	baseURL      string
	apiKey       string
	merchantCode string
	httpClient   *http.Client
	logger       *zap.Logger
	newReference func() string
}

// Option customizes a [Client].
type Option func(*Client)

// WithBaseURL points the client at another API root, e.g. a sandbox.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

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

func withReferences(fn func() string) Option {
	return func(c *Client) {
		c.newReference = fn
	}
}

// NewClient builds a client authenticating with a bearer API key on behalf
// of merchantCode.
func NewClient(apiKey, merchantCode string, opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		apiKey:       apiKey,
		merchantCode: merchantCode,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       zap.NewNop(),
		newReference: uuid.NewString,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

var _ pos.ReaderGateway = (*Client)(nil)

type response struct {
	status  int
	body    []byte
	rawCode string
}

func (r response) ok() bool {
	return r.status >= http.StatusOK && r.status < http.StatusMultipleChoices
}

func (r response) snippet() string {
	return strings.TrimSpace(string(r.body))
}

func (r response) decode(op string, out any) error {
	if err := json.Unmarshal(r.body, out); err != nil {
		return pos.NewAPIError(r.status, fmt.Sprintf("%s: invalid response body", op), pos.WithCode(pos.UnexpectedResponse), pos.WithCause(err))
	}
	return nil
}

func (r response) apiError(op string) *pos.Error {
	return pos.NewAPIError(r.status, fmt.Sprintf("%s returned %s: %s", op, r.rawCode, r.snippet()))
}

// do sends one request. Only transport failures are returned as errors;
// status handling is up to the caller.
func (c *Client) do(ctx context.Context, method, path string, in any) (response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return response{}, pos.NewTransportError("could not encode request", pos.WithCause(err))
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return response{}, pos.NewTransportError("could not build request", pos.WithCause(err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("SumUp request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return response{}, pos.NewTransportError(fmt.Sprintf("%s %s failed", method, path), pos.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return response{}, pos.NewTransportError(fmt.Sprintf("%s %s: read body", method, path), pos.WithCause(err))
	}
	c.logger.Debug("SumUp request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	if len(raw) > snippetLimit && resp.StatusCode >= http.StatusMultipleChoices {
		raw = raw[:snippetLimit]
	}
	return response{status: resp.StatusCode, body: raw, rawCode: resp.Status}, nil
}

func pathParam(name, value string) (string, error) {
	styled, err := runtime.StyleParamWithLocation("simple", false, name, runtime.ParamLocationPath, value)
	if err != nil {
		return "", pos.NewPreconditionError(pos.InvalidRequest, fmt.Sprintf("invalid %s", name), pos.WithCause(err))
	}
	return styled, nil
}

func (c *Client) merchantPath() (string, error) {
	if c.merchantCode == "" {
		return "", pos.NewPreconditionError(pos.InvalidRequest, "merchant code is required")
	}
	code, err := pathParam("merchant_code", c.merchantCode)
	if err != nil {
		return "", err
	}
	return "/merchants/" + code, nil
}
