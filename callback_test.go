package pos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teur/pos/signature"
)

type stubDeliverer struct {
	deliver func(ctx context.Context, key string, rec PaymentRecord) error
}

func (s *stubDeliverer) Deliver(ctx context.Context, key string, rec PaymentRecord) error {
	if s.deliver == nil {
		return nil
	}
	return s.deliver(ctx, key, rec)
}

func getErrorCode(body []byte) string {
	var payload struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &payload)
	return payload.Code
}

func postCallback(handler http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/callbacks/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCallbackHandlerDeliversPaidRecord(t *testing.T) {
	t.Parallel()

	inbox := NewMemoryInbox()
	handler := NewCallbackHandler(inbox)

	rec := postCallback(handler, []byte(`{"checkout_id":"tx_1","status":"PAID","payment_id":"p1","secret":"s1"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d body=%s", rec.Code, rec.Body.String())
	}
	got, err := inbox.AwaitToken(context.Background(), "tx_1")
	if err != nil || got.PaymentID != "p1" || got.Secret != "s1" {
		t.Fatalf("unexpected delivered record %+v err=%v", got, err)
	}
}

func TestCallbackHandlerIgnoresUnpaid(t *testing.T) {
	t.Parallel()

	delivered := false
	handler := NewCallbackHandler(&stubDeliverer{deliver: func(context.Context, string, PaymentRecord) error {
		delivered = true
		return nil
	}})

	rec := postCallback(handler, []byte(`{"checkout_id":"tx_1","status":"FAILED"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	var ack callbackAck
	_ = json.Unmarshal(rec.Body.Bytes(), &ack)
	if ack.Status != "ignored" || delivered {
		t.Fatalf("expected ignored callback, ack=%+v delivered=%v", ack, delivered)
	}
}

func TestCallbackHandlerValidation(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		body string
		want string
	}{
		"missing checkout id": {body: `{"status":"PAID","payment_id":"p1","secret":"s1"}`, want: "checkout_id is required"},
		"paid without secret": {body: `{"checkout_id":"tx_1","status":"PAID","payment_id":"p1"}`, want: "secret is required when Status is PAID"},
		"unknown status":      {body: `{"checkout_id":"tx_1","status":"LOST"}`, want: "status must be one of [PENDING, PAID, FAILED, EXPIRED]"},
		"unknown field":       {body: `{"checkout_id":"tx_1","status":"PAID","extra":1}`},
		"empty body":          {body: ``, want: "request body required"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := postCallback(NewCallbackHandler(&stubDeliverer{}), []byte(tc.body), nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", rec.Code)
			}
			var payload Error
			_ = json.Unmarshal(rec.Body.Bytes(), &payload)
			if payload.Code != InvalidRequest {
				t.Fatalf("expected invalid_request got %s", payload.Code)
			}
			if tc.want != "" && payload.Message != tc.want {
				t.Fatalf("expected message %q got %q", tc.want, payload.Message)
			}
		})
	}
}

func TestCallbackHandlerDeliveryFailure(t *testing.T) {
	t.Parallel()

	handler := NewCallbackHandler(&stubDeliverer{deliver: func(context.Context, string, PaymentRecord) error {
		return errors.New("store down")
	}})
	rec := postCallback(handler, []byte(`{"checkout_id":"tx_1","status":"PAID","payment_id":"p1","secret":"s1"}`), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
}

func TestCallbackSignatureAllowsValidRequest(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	handler := NewCallbackHandler(NewMemoryInbox(), WithSignatureVerifier(signature.HMACVerifier{Key: key}), withClock(func() time.Time {
		return ts.Add(30 * time.Second)
	}))

	body := []byte(`{"checkout_id":"tx_1","status":"PAID","payment_id":"p1","secret":"s1"}`)
	sig, err := signature.Sign(key, ts, body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := postCallback(handler, body, map[string]string{"Signature": sig, "Timestamp": ts.Format(time.RFC3339Nano)})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCallbackSignatureRejections(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"checkout_id":"tx_1","status":"PAID","payment_id":"p1","secret":"s1"}`)
	valid, err := signature.Sign(key, ts, body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := map[string]struct {
		headers map[string]string
		opts    []Option
		status  int
		code    string
	}{
		"invalid signature": {
			headers: map[string]string{"Signature": "bogus", "Timestamp": ts.Format(time.RFC3339Nano)},
			status:  http.StatusUnauthorized,
			code:    "invalid_signature",
		},
		"stale timestamp": {
			headers: map[string]string{"Signature": valid, "Timestamp": ts.Format(time.RFC3339Nano)},
			opts:    []Option{WithMaxClockSkew(time.Minute), withClock(func() time.Time { return ts.Add(2 * time.Minute) })},
			status:  http.StatusUnauthorized,
			code:    "stale_timestamp",
		},
		"missing headers when required": {
			opts:   []Option{WithRequireSignedRequests()},
			status: http.StatusUnauthorized,
			code:   "signature_required",
		},
		"timestamp without signature": {
			headers: map[string]string{"Timestamp": ts.Format(time.RFC3339Nano)},
			status:  http.StatusBadRequest,
			code:    "invalid_signature",
		},
		"malformed timestamp": {
			headers: map[string]string{"Signature": valid, "Timestamp": "yesterday"},
			status:  http.StatusBadRequest,
			code:    "invalid_signature",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			opts := append([]Option{
				WithSignatureVerifier(signature.HMACVerifier{Key: key}),
				withClock(func() time.Time { return ts }),
			}, tc.opts...)
			rec := postCallback(NewCallbackHandler(NewMemoryInbox(), opts...), body, tc.headers)
			if rec.Code != tc.status {
				t.Fatalf("expected %d got %d", tc.status, rec.Code)
			}
			if got := getErrorCode(rec.Body.Bytes()); got != tc.code {
				t.Fatalf("expected code %s got %s", tc.code, got)
			}
		})
	}
}

func TestCallbackHandlerRunsCustomMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	mw := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			seen = CallbackContextFromContext(r.Context()).RequestID
			next(w, r)
		}
	}
	handler := NewCallbackHandler(NewMemoryInbox(), WithMiddleware(mw))
	postCallback(handler, []byte(`{"checkout_id":"tx_1","status":"PENDING"}`), map[string]string{"Request-Id": "req_7"})
	if seen != "req_7" {
		t.Fatalf("expected middleware to see request id, got %q", seen)
	}
}
