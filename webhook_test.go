package pos

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teur/pos/signature"
)

func TestWebhookPublisherSendsSignedTerminalEvents(t *testing.T) {
	t.Parallel()

	key := []byte("super-secret")
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	var received struct {
		body   []byte
		header http.Header
		calls  int
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		received.body = payload
		received.header = r.Header.Clone()
		received.calls++
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	pub, err := NewWebhookPublisher(WebhookOptions{Endpoint: srv.URL, SecretKey: key, Client: srv.Client()})
	if err != nil {
		t.Fatalf("NewWebhookPublisher() error = %v", err)
	}
	pub.clock = func() time.Time { return ts }

	if err := pub.Publish(context.Background(), TransitionEvent{AttemptID: "att_1", State: StateReleasing}); err != nil {
		t.Fatalf("Publish() intermediate error = %v", err)
	}
	if received.calls != 0 {
		t.Fatalf("expected intermediate transition to be skipped, got %d calls", received.calls)
	}

	event := TransitionEvent{AttemptID: "att_1", PaymentID: "pay_1", State: StateDone, PreviousState: StateReleasing, Timestamp: ts}
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	expectedSig, err := signature.Sign(key, ts, received.body)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if got := received.header.Get("Signature"); got != expectedSig {
		t.Fatalf("unexpected signature header %q", got)
	}

	var decoded struct {
		Type WebhookEventType `json:"type"`
		Data TransitionEvent  `json:"data"`
	}
	if err := json.Unmarshal(received.body, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.Type != WebhookEventPaymentCompleted {
		t.Fatalf("unexpected webhook type %s", decoded.Type)
	}
	if decoded.Data.PaymentID != "pay_1" {
		t.Fatalf("unexpected payment_id %s", decoded.Data.PaymentID)
	}
}

func TestWebhookPublisherReportsRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	pub, err := NewWebhookPublisher(WebhookOptions{Endpoint: srv.URL, Client: srv.Client()})
	if err != nil {
		t.Fatalf("NewWebhookPublisher() error = %v", err)
	}
	if err := pub.Publish(context.Background(), TransitionEvent{State: StateFailed}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if _, err := NewWebhookPublisher(WebhookOptions{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

type publisherFunc func(ctx context.Context, event TransitionEvent) error

func (f publisherFunc) Publish(ctx context.Context, event TransitionEvent) error {
	return f(ctx, event)
}

func TestMultiPublisherJoinsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	m := MultiPublisher{
		publisherFunc(func(context.Context, TransitionEvent) error { calls++; return boom }),
		publisherFunc(func(context.Context, TransitionEvent) error { calls++; return nil }),
	}
	err := m.Publish(context.Background(), TransitionEvent{})
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("expected both publishers called and boom returned, calls=%d err=%v", calls, err)
	}
}
