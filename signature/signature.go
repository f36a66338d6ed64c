// Package signature signs and verifies checkout callbacks and register
// webhooks.
//
// A signature is the base64url (unpadded) HMAC-SHA256 of
//
//	RFC3339Nano(timestamp) + "." + canonicalJSON(body)
//
// sent in the Signature header next to the Timestamp header. Canonical JSON
// makes the signature independent of key order and whitespace, so a proxy
// that re-encodes the body does not break verification.
package signature

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"
)

const (
	Header          = "Signature"
	TimestampHeader = "Timestamp"

	// MaxBodyBytes caps how much of a signed body is buffered.
	MaxBodyBytes = 1 << 20
)

var (
	ErrInvalid      = errors.New("signature: invalid signature")
	ErrStale        = errors.New("signature: timestamp outside allowed skew")
	ErrBodyTooLarge = errors.New("signature: body too large")
)

// Material is what a [Verifier] needs to check one request.
type Material struct {
	Signature     string
	Timestamp     time.Time
	CanonicalBody []byte
	Method        string
	Path          string
}

// Verifier validates the authenticity of incoming callbacks.
type Verifier interface {
	Verify(ctx context.Context, material Material) error
}

// VerifierFunc lifts bare functions into [Verifier].
type VerifierFunc func(ctx context.Context, material Material) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, material Material) error {
	return f(ctx, material)
}

// HMACVerifier checks signatures produced by [Sign]. Previous keys stay
// accepted while a rotated Key rolls out to the provider.
type HMACVerifier struct {
	Key      []byte
	Previous [][]byte
}

// Verify implements [Verifier].
func (v HMACVerifier) Verify(_ context.Context, material Material) error {
	if len(v.Key) == 0 {
		return errors.New("signature: HMACVerifier requires a non-empty key")
	}
	got, err := base64.RawURLEncoding.DecodeString(material.Signature)
	if err != nil {
		return fmt.Errorf("signature: decode: %w", err)
	}
	input := signingInput(material.Timestamp, material.CanonicalBody)
	for _, key := range append([][]byte{v.Key}, v.Previous...) {
		if len(key) > 0 && hmac.Equal(got, mac(key, input)) {
			return nil
		}
	}
	return ErrInvalid
}

// Sign canonicalizes body and returns the Signature header value for ts.
func Sign(key []byte, ts time.Time, body []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("signature: sign: empty key")
	}
	canonical, err := CanonicalizeJSONBody(body)
	if err != nil {
		return "", fmt.Errorf("signature: sign: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac(key, signingInput(ts, canonical))), nil
}

// SignRequest sets the Signature and Timestamp headers on req. The body stays
// readable for the transport.
func SignRequest(req *http.Request, key []byte, ts time.Time) error {
	raw, err := ReadAndBufferBody(req)
	if err != nil {
		return fmt.Errorf("signature: read body: %w", err)
	}
	sig, err := Sign(key, ts, raw)
	if err != nil {
		return err
	}
	req.Header.Set(Header, sig)
	req.Header.Set(TimestampHeader, ts.UTC().Format(time.RFC3339Nano))
	return nil
}

// ReadAndBufferBody reads at most MaxBodyBytes of the body and replaces it
// with an in-memory copy so later handlers can read it again.
func ReadAndBufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		r.Body = http.NoBody
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}

// CanonicalizeJSONBody re-encodes a single JSON document in canonical form.
// An empty body canonicalizes to null.
func CanonicalizeJSONBody(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("signature: multiple JSON documents in body")
	}
	return canonicaljson.Marshal(doc)
}

// ParseTimestamp accepts RFC3339 with or without fractional seconds.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("signature: empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}

// CheckSkew returns ErrStale when ts is more than maxSkew away from now in
// either direction. A non-positive maxSkew disables the check.
func CheckSkew(now, ts time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		return nil
	}
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > maxSkew {
		return ErrStale
	}
	return nil
}

func signingInput(ts time.Time, canonicalBody []byte) []byte {
	out := make([]byte, 0, len(time.RFC3339Nano)+1+len(canonicalBody))
	out = append(out, ts.UTC().Format(time.RFC3339Nano)...)
	out = append(out, '.')
	return append(out, canonicalBody...)
}

func mac(key, payload []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(payload)
	return h.Sum(nil)
}
