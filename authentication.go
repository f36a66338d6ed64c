package pos

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Authenticator checks the bearer key a provider sends with callbacks.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) error
}

// AuthenticatorFunc lifts bare functions into [Authenticator].
type AuthenticatorFunc func(ctx context.Context, apiKey string) error

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, apiKey string) error {
	return f(ctx, apiKey)
}

// StaticKey accepts exactly one key.
func StaticKey(key string) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, apiKey string) error {
		if key == "" || apiKey != key {
			return errors.New("unknown api key")
		}
		return nil
	})
}

func newAuthenticationMiddleware(auth Authenticator) Middleware {
	if auth == nil {
		return nil
	}
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				writeJSONError(w, unauthorized(MissingAuthorization, "Authorization header is required"))
				return
			}
			scheme, apiKey, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				writeJSONError(w, unauthorized(InvalidAuthorization, "Authorization header must be in the format 'Bearer <api_key>'"))
				return
			}
			if apiKey = strings.TrimSpace(apiKey); apiKey == "" {
				writeJSONError(w, unauthorized(InvalidAuthorization, "API key is required"))
				return
			}
			if err := auth.Authenticate(r.Context(), apiKey); err != nil {
				var typed *Error
				if errors.As(err, &typed) {
					writeJSONError(w, typed)
					return
				}
				writeJSONError(w, unauthorized(InvalidAuthorization, "invalid API key"))
				return
			}
			next(w, r)
		}
	}
}
