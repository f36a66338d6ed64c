package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teur/pos"
	"github.com/teur/pos/release"
	"github.com/teur/pos/signature"
)

type token struct {
	secret   string
	released bool
}

// Ledger mimics the token release API. Each issued payment can be released
// once with its secret.
type Ledger struct {
	apiKey string
	logger *zap.Logger
	mux    *http.ServeMux

	mu     sync.Mutex
	tokens map[string]*token
}

// NewLedger builds a ledger accepting apiKey in the X-API-Key header.
func NewLedger(apiKey string, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		apiKey: apiKey,
		logger: logger,
		mux:    http.NewServeMux(),
		tokens: make(map[string]*token),
	}
	l.mux.HandleFunc("POST /payments/{paymentId}/release", l.release)
	return l
}

// ServeHTTP satisfies http.Handler.
func (l *Ledger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(release.APIKeyHeader) != l.apiKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		return
	}
	l.mux.ServeHTTP(w, r)
}

// Issue creates a payment whose tokens wait for release, as a wallet would
// after the customer pays.
func (l *Ledger) Issue() pos.PaymentRecord {
	rec := pos.PaymentRecord{PaymentID: "pay_" + uuid.NewString(), Secret: uuid.NewString()}
	l.mu.Lock()
	l.tokens[rec.PaymentID] = &token{secret: rec.Secret}
	l.mu.Unlock()
	return rec
}

// Released reports whether paymentID has been released.
func (l *Ledger) Released(paymentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[paymentID]
	return ok && t.released
}

func (l *Ledger) release(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaymentID string `json:"paymentId"`
		Secret    string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	paymentID := r.PathValue("paymentId")
	if body.PaymentID != "" && body.PaymentID != paymentID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payment id mismatch"})
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[paymentID]
	switch {
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
	case t.secret != body.Secret:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "secret does not match"})
	case t.released:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "tokens already released"})
	default:
		t.released = true
		l.logger.Info("Tokens released", zap.String("payment_id", paymentID))
		writeJSON(w, http.StatusOK, map[string]string{"paymentId": paymentID, "status": "RELEASED"})
	}
}

// PostCallback sends a checkout callback to url, signed with key when key is
// non-empty.
func PostCallback(ctx context.Context, client *http.Client, url string, key []byte, cb pos.CheckoutCallback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("sandbox: encode callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sandbox: build callback: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(key) > 0 {
		if err := signature.SignRequest(req, key, time.Now()); err != nil {
			return err
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: post callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sandbox: callback answered %s", resp.Status)
	}
	return nil
}
