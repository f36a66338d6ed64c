package pos

import (
	"context"
	"net/http"
	"strings"
)

// CallbackContext carries the HTTP metadata of a checkout callback.
type CallbackContext struct {
	// Unique key for each request for tracing purposes
	//
	// Example: req_123
	RequestID string
	// Information about the provider sending the callback
	//
	// Example: SumUp-Webhooks/1.0
	UserAgent string
	// Base64url encoded signature of the canonical request body
	Signature string
	// Formatted as an RFC 3339 string.
	//
	// Example: 2025-09-25T10:30:00Z
	Timestamp string
}

func callbackContextFromRequest(r *http.Request) *CallbackContext {
	return &CallbackContext{
		RequestID: strings.TrimSpace(r.Header.Get("Request-Id")),
		UserAgent: strings.TrimSpace(r.Header.Get("User-Agent")),
		Signature: strings.TrimSpace(r.Header.Get("Signature")),
		Timestamp: strings.TrimSpace(r.Header.Get("Timestamp")),
	}
}

type callbackContextKey struct{}

func contextWithCallbackContext(ctx context.Context, callbackCtx *CallbackContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if callbackCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, callbackContextKey{}, callbackCtx)
}

// CallbackContextFromContext extracts the callback metadata stored by
// [CallbackHandler].
func CallbackContextFromContext(ctx context.Context) *CallbackContext {
	if ctx == nil {
		return nil
	}
	if callbackCtx, ok := ctx.Value(callbackContextKey{}).(*CallbackContext); ok {
		return callbackCtx
	}
	return nil
}
