package pos

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReaderGateway is implemented by card reader providers such as the SumUp client.
type ReaderGateway interface {
	ListReaders(ctx context.Context) ([]ReaderInfo, error)
	CreateCheckout(ctx context.Context, amount decimal.Decimal, description string) (string, error)
	ChargeOnReader(ctx context.Context, readerID string, amount decimal.Decimal, description string) (string, error)
	GetCheckoutStatus(ctx context.Context, checkoutID string) (CheckoutStatus, error)
}

// Releaser redeems the tEUR tokens tied to a completed payment.
type Releaser interface {
	Release(ctx context.Context, paymentID, secret string) ReleaseOutcome
}

// TokenSource yields the payment record for a transaction once it arrives.
type TokenSource interface {
	AwaitToken(ctx context.Context, key string) (PaymentRecord, error)
}

// TokenDeliverer accepts payment records from NFC taps or checkout callbacks.
// An empty key addresses whichever attempt waits next.
type TokenDeliverer interface {
	Deliver(ctx context.Context, key string, rec PaymentRecord) error
}

// Journal persists attempts and guarantees a payment is released at most once.
//
// A reservation is a claim taken before the release call. It is kept when the
// release succeeds or the release API reports the payment as already
// released, and abandoned otherwise so the record can be used again.
type Journal interface {
	SaveAttempt(ctx context.Context, attempt *Attempt) error
	// ReserveRelease returns false when the payment was already reserved.
	ReserveRelease(ctx context.Context, paymentID, owner string) (bool, error)
	// AbandonRelease drops the reservation when owner still holds it.
	AbandonRelease(ctx context.Context, paymentID, owner string) error
}

// Locker serialises attempts on the same reader across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// TransitionEvent is emitted for every state change.
type TransitionEvent struct {
	AttemptID     string    `json:"attempt_id"`
	ReaderID      string    `json:"reader_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	State         State     `json:"state"`
	PreviousState State     `json:"previous_state"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventPublisher broadcasts transition events.
type EventPublisher interface {
	Publish(ctx context.Context, event TransitionEvent) error
}

// Metrics observes the orchestrator.
type Metrics interface {
	ObserveTransition(from, to State)
	ObserveFailure(kind ErrorKind)
	ObserveRelease(success bool, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(State, State)     {}
func (noopMetrics) ObserveFailure(ErrorKind)           {}
func (noopMetrics) ObserveRelease(bool, time.Duration) {}
