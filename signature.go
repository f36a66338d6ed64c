package pos

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/teur/pos/signature"
)

type signatureMiddlewareConfig struct {
	Verifier      signature.Verifier
	RequireSigned bool
	MaxClockSkew  time.Duration
	Clock         func() time.Time
}

func unauthorized(code ErrorCode, msg string) *Error {
	return NewPreconditionError(code, msg, WithStatusCode(http.StatusUnauthorized))
}

// verifyCallbackSignature checks the Signature and Timestamp headers of r.
// Unsigned requests pass unless cfg.RequireSigned is set.
func verifyCallbackSignature(cfg signatureMiddlewareConfig, r *http.Request) *Error {
	sig := strings.TrimSpace(r.Header.Get(signature.Header))
	stamp := strings.TrimSpace(r.Header.Get(signature.TimestampHeader))
	switch {
	case sig == "" && stamp == "":
		if cfg.RequireSigned {
			return unauthorized(SignatureRequired, "Signature and Timestamp headers are required")
		}
		return nil
	case sig == "" || stamp == "":
		return NewPreconditionError(InvalidSignature, "Signature and Timestamp headers must both be provided")
	}

	ts, err := signature.ParseTimestamp(stamp)
	if err != nil {
		return NewPreconditionError(InvalidSignature, "Timestamp must be RFC3339")
	}
	if err := signature.CheckSkew(cfg.Clock(), ts, cfg.MaxClockSkew); err != nil {
		return unauthorized(StaleTimestamp, "timestamp skew exceeds "+cfg.MaxClockSkew.String())
	}
	raw, err := signature.ReadAndBufferBody(r)
	if errors.Is(err, signature.ErrBodyTooLarge) {
		return NewPreconditionError(InvalidRequest, "request body too large", WithStatusCode(http.StatusRequestEntityTooLarge))
	}
	if err != nil {
		return NewPreconditionError(InvalidRequest, "unable to read request body")
	}
	canonical, err := signature.CanonicalizeJSONBody(raw)
	if err != nil {
		return NewPreconditionError(InvalidRequest, "request body must be valid JSON")
	}
	err = cfg.Verifier.Verify(r.Context(), signature.Material{
		Signature:     sig,
		Timestamp:     ts.UTC(),
		CanonicalBody: canonical,
		Method:        r.Method,
		Path:          r.URL.Path,
	})
	if err != nil {
		return unauthorized(InvalidSignature, "signature verification failed")
	}
	return nil
}

func newSignatureMiddleware(cfg signatureMiddlewareConfig) Middleware {
	if cfg.Verifier == nil {
		return nil
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if perr := verifyCallbackSignature(cfg, r); perr != nil {
				writeJSONError(w, perr)
				return
			}
			next(w, r)
		}
	}
}
