package pos

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the only currency tEUR releases are settled in.
const Currency = "EUR"

// PaymentRecord pairs a payment identifier with its one-time redemption
// secret. It is read from an NFC tag or a checkout callback.
type PaymentRecord struct {
	PaymentID string `json:"paymentId"`
	Secret    string `json:"secret"`
}

// Valid reports whether both fields are present.
func (r PaymentRecord) Valid() bool {
	return r.PaymentID != "" && r.Secret != ""
}

// Check reports which field is missing as a precondition failure.
func (r PaymentRecord) Check() error {
	switch {
	case r.PaymentID == "":
		return NewPreconditionError(MissingPaymentID, "payment id is required")
	case r.Secret == "":
		return NewPreconditionError(MissingSecret, "payment secret is required")
	}
	return nil
}

// String hides the secret.
func (r PaymentRecord) String() string {
	return fmt.Sprintf("PaymentRecord{paymentId:%q}", r.PaymentID)
}

// CheckoutRequest is the input to the card reader gateway.
type CheckoutRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"required,eq=EUR"`
	Description string          `json:"description" validate:"max=255"`
	MerchantID  string          `json:"merchant_code" validate:"required"`
}

// CheckoutStatus is the provider side state of a checkout or reader transaction.
type CheckoutStatus string

const (
	CheckoutPending CheckoutStatus = "PENDING"
	CheckoutPaid    CheckoutStatus = "PAID"
	CheckoutFailed  CheckoutStatus = "FAILED"
	CheckoutExpired CheckoutStatus = "EXPIRED"
)

// ParseCheckoutStatus normalises a provider status string.
func ParseCheckoutStatus(s string) (CheckoutStatus, error) {
	switch status := CheckoutStatus(strings.ToUpper(strings.TrimSpace(s))); status {
	case CheckoutPending, CheckoutPaid, CheckoutFailed, CheckoutExpired:
		return status, nil
	default:
		return "", fmt.Errorf("unknown checkout status %q", s)
	}
}

// Terminal reports whether the status can no longer change.
func (s CheckoutStatus) Terminal() bool {
	return s == CheckoutPaid || s == CheckoutFailed || s == CheckoutExpired
}

// CheckoutResult describes a checkout after creation or a status lookup.
type CheckoutResult struct {
	CheckoutID string         `json:"checkout_id"`
	Status     CheckoutStatus `json:"status"`
}

// ReleaseOutcome is the result of one release call. Err is nil on success.
type ReleaseOutcome struct {
	Success    bool  `json:"success"`
	StatusCode int   `json:"status_code,omitempty"`
	Err        error `json:"-"`
}

// Device identifies the hardware behind a reader.
type Device struct {
	Identifier string `json:"identifier"`
	Model      string `json:"model"`
}

// ReaderInfo describes a card reader paired with the merchant account.
type ReaderInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Device Device `json:"device"`
}

// ReaderStatus is the live state reported by a reader.
type ReaderStatus struct {
	Status         string `json:"status"`
	State          string `json:"state,omitempty"`
	BatteryLevel   *int   `json:"battery_level,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
}

// ChargeRequest starts an orchestrated payment. An empty ReaderID selects
// the first reader the gateway lists.
type ChargeRequest struct {
	ReaderID    string          `json:"reader_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Transition is one entry in an attempt's history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Attempt is a snapshot of one orchestrated payment. The secret of the
// payment record is never part of it.
type Attempt struct {
	ID            string          `json:"id"`
	ReaderID      string          `json:"reader_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	State         State           `json:"state"`
	PaymentID     string          `json:"payment_id,omitempty"`
	Err           *Error          `json:"error,omitempty"`
	History       []Transition    `json:"history"`
	StartedAt     time.Time       `json:"started_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (a *Attempt) clone() *Attempt {
	if a == nil {
		return nil
	}
	cp := *a
	cp.History = append([]Transition(nil), a.History...)
	return &cp
}
