package pos

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tender is a point-of-sale payment method. ProcessPayment returns true when
// the outcome will be reported later through the callback.
type Tender interface {
	ID() string
	Label() string
	ProcessPayment(ctx context.Context, payment Payment, cb PaymentCallback) bool
}

// Payment is what the host register asks a tender to settle.
type Payment struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ReaderID    string          `json:"reader_id,omitempty"`
}

// PaymentResult is reported to the host after a successful release.
type PaymentResult struct {
	TenderID  string          `json:"tender_id"`
	PaymentID string          `json:"payment_id"`
	AttemptID string          `json:"attempt_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentCallback receives the outcome of an asynchronous payment. The
// message of the *Error is meant for the operator.
type PaymentCallback interface {
	OnPaymentSucceeded(result PaymentResult)
	OnPaymentFailed(err *Error)
}

// CallbackFuncs adapts plain functions to PaymentCallback.
type CallbackFuncs struct {
	Succeeded func(PaymentResult)
	Failed    func(*Error)
}

func (c CallbackFuncs) OnPaymentSucceeded(result PaymentResult) {
	if c.Succeeded != nil {
		c.Succeeded(result)
	}
}

func (c CallbackFuncs) OnPaymentFailed(err *Error) {
	if c.Failed != nil {
		c.Failed(err)
	}
}

// RecordSource holds the payment record read from the last NFC tap. Take
// removes and returns it in one step, so a record is handed out only once.
type RecordSource interface {
	Take() (PaymentRecord, bool)
}

const (
	NFCTenderID       = "teur-tender"
	NFCTenderLabel    = "tEUR Token"
	ReaderTenderID    = "teur-sumup"
	ReaderTenderLabel = "tEUR via SumUp"
)

const nfcUnavailableMessage = "NFC data not available. Please tap NFC device."

// NFCTender releases the payment record read from an NFC tag.
type NFCTender struct {
	source   RecordSource
	releaser Releaser
	journal  Journal
	logger   *zap.Logger
	busy     atomic.Bool
}

// NFCTenderOption customizes an [NFCTender].
type NFCTenderOption func(*NFCTender)

// WithReleaseJournal reserves each payment in j before releasing it, sharing
// the single release guard with the orchestrator.
func WithReleaseJournal(j Journal) NFCTenderOption {
	return func(t *NFCTender) {
		t.journal = j
	}
}

// NewNFCTender builds a tender that releases whatever record source holds.
func NewNFCTender(source RecordSource, releaser Releaser, logger *zap.Logger, opts ...NFCTenderOption) *NFCTender {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &NFCTender{source: source, releaser: releaser, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *NFCTender) ID() string    { return NFCTenderID }
func (t *NFCTender) Label() string { return NFCTenderLabel }

// ProcessPayment takes the current record and releases it in the background.
// A record taken here is never seen by a waiting attempt.
func (t *NFCTender) ProcessPayment(ctx context.Context, payment Payment, cb PaymentCallback) bool {
	if !t.busy.CompareAndSwap(false, true) {
		cb.OnPaymentFailed(ErrAttemptInProgress)
		return false
	}
	rec, ok := t.source.Take()
	if !ok || !rec.Valid() {
		t.busy.Store(false)
		t.logger.Warn("No NFC payment record available", zap.String("payment", payment.ID))
		cb.OnPaymentFailed(NewMissingTokenDataError(nfcUnavailableMessage))
		return false
	}
	settle, claimErr := claimRelease(ctx, t.journal, rec.PaymentID, "nfc:"+uuid.NewString(), t.logger)
	if claimErr != nil {
		t.busy.Store(false)
		t.logger.Error("NFC release not reserved",
			zap.String("payment_id", rec.PaymentID),
			zap.Error(claimErr),
		)
		cb.OnPaymentFailed(claimErr)
		return false
	}

	go func() {
		defer t.busy.Store(false)
		outcome := t.releaser.Release(ctx, rec.PaymentID, rec.Secret)
		if !outcome.Success {
			failure := asError(outcome.Err, NewTransportError, "token release failed")
			if failure == nil {
				failure = NewAPIError(outcome.StatusCode, "token release failed")
			}
			settle(failure)
			t.logger.Error("NFC release failed",
				zap.String("payment_id", rec.PaymentID),
				zap.Int("status_code", outcome.StatusCode),
				zap.Error(failure),
			)
			cb.OnPaymentFailed(failure)
			return
		}
		settle(nil)
		t.logger.Info("NFC release succeeded", zap.String("payment_id", rec.PaymentID))
		cb.OnPaymentSucceeded(PaymentResult{
			TenderID:  NFCTenderID,
			PaymentID: rec.PaymentID,
			Amount:    payment.Amount,
		})
	}()
	return true
}

// ReaderTender charges on a card reader and releases through the orchestrator.
type ReaderTender struct {
	orchestrator *Orchestrator
}

// NewReaderTender wraps an orchestrator as a tender.
func NewReaderTender(orchestrator *Orchestrator) *ReaderTender {
	return &ReaderTender{orchestrator: orchestrator}
}

func (t *ReaderTender) ID() string    { return ReaderTenderID }
func (t *ReaderTender) Label() string { return ReaderTenderLabel }

// ProcessPayment starts an orchestrated attempt. It returns false when the
// attempt could not be started.
func (t *ReaderTender) ProcessPayment(ctx context.Context, payment Payment, cb PaymentCallback) bool {
	req := ChargeRequest{
		ReaderID:    payment.ReaderID,
		Amount:      payment.Amount,
		Description: payment.Description,
	}
	_, err := t.orchestrator.Start(ctx, req, func(a *Attempt) {
		if a.Err != nil {
			cb.OnPaymentFailed(a.Err)
			return
		}
		cb.OnPaymentSucceeded(PaymentResult{
			TenderID:  ReaderTenderID,
			PaymentID: a.PaymentID,
			AttemptID: a.ID,
			Amount:    a.Amount,
		})
	})
	if err != nil {
		cb.OnPaymentFailed(asError(err, NewTransportError, "could not start payment"))
		return false
	}
	return true
}
