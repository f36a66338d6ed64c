package pos

import (
	"errors"
	"net/http"
)

// ErrorKind classifies why a payment attempt failed. Every kind is terminal
// for the attempt that produced it.
type ErrorKind string

const (
	TransportError     ErrorKind = "transport_error"     // Network failure or timeout talking to a provider.
	APIError           ErrorKind = "api_error"           // Provider answered with a non-2xx status or an unusable body.
	MissingTokenData   ErrorKind = "missing_token_data"  // No NFC or checkout payload arrived.
	ReaderError        ErrorKind = "reader_error"        // No reader available or the reader call failed.
	PreconditionFailed ErrorKind = "precondition_failed" // Caller supplied input that can never succeed.
	Busy               ErrorKind = "busy"                // Another attempt is still running.
	Canceled           ErrorKind = "canceled"            // Attempt aborted before release.
	Timeout            ErrorKind = "timeout"             // A bounded wait ran out.
)

// ErrorCode is a machine-readable identifier for the specific failure.
type ErrorCode string

const (
	NoReaders          ErrorCode = "no_readers"
	PaymentDeclined    ErrorCode = "payment_declined"
	MissingPaymentID   ErrorCode = "missing_payment_id"
	MissingSecret      ErrorCode = "missing_secret"
	DuplicateRelease   ErrorCode = "duplicate_release"
	StatusTimeout      ErrorCode = "status_timeout"
	TokenTimeout       ErrorCode = "token_timeout"
	AttemptInProgress  ErrorCode = "attempt_in_progress"
	InvalidTransition  ErrorCode = "invalid_transition"
	InvalidRequest     ErrorCode = "invalid_request"
	InvalidSignature   ErrorCode = "invalid_signature"
	SignatureRequired  ErrorCode = "signature_required"
	StaleTimestamp     ErrorCode = "stale_timestamp"
	UnexpectedResponse ErrorCode = "unexpected_response"
	JournalUnavailable ErrorCode = "journal_unavailable"
	ReaderLocked       ErrorCode = "reader_locked"
	AttemptTimeout     ErrorCode = "attempt_timeout"

	MissingAuthorization ErrorCode = "missing_authorization"
	InvalidAuthorization ErrorCode = "invalid_authorization"
)

// ErrAttemptInProgress is returned when a payment is started while another
// one has not reached DONE or FAILED.
var ErrAttemptInProgress = NewError(Busy, AttemptInProgress, "a payment attempt is already in progress", WithStatusCode(http.StatusConflict))

// Error is the failure type shared by every component. It renders as the
// JSON error payload of the terminal service.
type Error struct {
	Kind    ErrorKind `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	status int
	cause  error
}

// Error makes *Error satisfy the stdlib error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is an *Error with the same kind and, when the
// target carries one, the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// StatusCode returns the HTTP status associated with the error. For provider
// failures it is the status the provider answered with.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.status
}

type errorOption func(*Error)

// WithStatusCode records an HTTP status on the error.
func WithStatusCode(status int) errorOption {
	return func(er *Error) {
		er.status = status
	}
}

// WithCause wraps the lower level error that triggered this one.
func WithCause(err error) errorOption {
	return func(er *Error) {
		er.cause = err
	}
}

// WithCode overrides the default code of a constructor.
func WithCode(code ErrorCode) errorOption {
	return func(er *Error) {
		er.Code = code
	}
}

// NewTransportError builds a network level failure.
func NewTransportError(message string, opts ...errorOption) *Error {
	return NewError(TransportError, ErrorCode(TransportError), message, append([]errorOption{WithStatusCode(http.StatusBadGateway)}, opts...)...)
}

// NewAPIError builds a failure for a provider response with the given status.
func NewAPIError(status int, message string, opts ...errorOption) *Error {
	return NewError(APIError, ErrorCode(APIError), message, append([]errorOption{WithStatusCode(status)}, opts...)...)
}

// NewMissingTokenDataError builds a failure for an absent payment record.
func NewMissingTokenDataError(message string, opts ...errorOption) *Error {
	return NewError(MissingTokenData, ErrorCode(MissingTokenData), message, append([]errorOption{WithStatusCode(http.StatusUnprocessableEntity)}, opts...)...)
}

// NewReaderError builds a card reader failure.
func NewReaderError(message string, opts ...errorOption) *Error {
	return NewError(ReaderError, ErrorCode(ReaderError), message, append([]errorOption{WithStatusCode(http.StatusBadGateway)}, opts...)...)
}

// NewPreconditionError builds a failure for input that can never succeed.
func NewPreconditionError(code ErrorCode, message string, opts ...errorOption) *Error {
	return NewError(PreconditionFailed, code, message, append([]errorOption{WithStatusCode(http.StatusBadRequest)}, opts...)...)
}

// NewError builds a typed error.
func NewError(kind ErrorKind, code ErrorCode, message string, opts ...errorOption) *Error {
	errPayload := &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(errPayload)
	}
	return errPayload
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// asError converts arbitrary errors into *Error, keeping typed ones as they are.
func asError(err error, fallback func(msg string, opts ...errorOption) *Error, msg string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return fallback(msg, WithCause(err))
}
