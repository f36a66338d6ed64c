// Package sandbox provides in-memory stand-ins for the card reader provider
// and the token release API, for demos and end-to-end tests.
package sandbox

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teur/pos"
)

type transaction struct {
	id       string
	readerID string
	amount   int64
	status   pos.CheckoutStatus
	polls    int
}

// Provider mimics the subset of the SumUp API the terminal uses. Reader
// transactions start PENDING and settle after a number of status polls.
type Provider struct {
	apiKey       string
	merchantCode string
	settleAfter  int
	settleAs     pos.CheckoutStatus
	onSettled    func(txID string, status pos.CheckoutStatus)
	logger       *zap.Logger

	mux *http.ServeMux

	mu           sync.Mutex
	readers      []pos.ReaderInfo
	transactions map[string]*transaction
}

// ProviderOption customizes a [Provider].
type ProviderOption func(*Provider)

// WithReaders replaces the single default reader.
func WithReaders(readers ...pos.ReaderInfo) ProviderOption {
	return func(p *Provider) {
		p.readers = append([]pos.ReaderInfo{}, readers...)
	}
}

// WithSettlement makes transactions reach status after polls status reads.
func WithSettlement(polls int, status pos.CheckoutStatus) ProviderOption {
	return func(p *Provider) {
		if polls >= 0 {
			p.settleAfter = polls
		}
		if status != "" {
			p.settleAs = status
		}
	}
}

// WithSettledHook is called, outside the provider lock, when a transaction
// settles.
func WithSettledHook(fn func(txID string, status pos.CheckoutStatus)) ProviderOption {
	return func(p *Provider) {
		p.onSettled = fn
	}
}

// WithProviderLogger sets the logger.
func WithProviderLogger(logger *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider builds a provider accepting apiKey as bearer token for
// merchantCode.
func NewProvider(apiKey, merchantCode string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		merchantCode: merchantCode,
		settleAfter:  2,
		settleAs:     pos.CheckoutPaid,
		logger:       zap.NewNop(),
		mux:          http.NewServeMux(),
		readers: []pos.ReaderInfo{{
			ID:     "rdr_sandbox",
			Name:   "Sandbox Solo",
			Status: "paired",
			Device: pos.Device{Identifier: "SB-0001", Model: "solo"},
		}},
		transactions: make(map[string]*transaction),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.mux.HandleFunc("GET /merchants/{code}/readers", p.listReaders)
	p.mux.HandleFunc("POST /merchants/{code}/readers/{id}/checkout", p.readerCheckout)
	p.mux.HandleFunc("GET /merchants/{code}/readers/{id}/status", p.readerStatus)
	p.mux.HandleFunc("POST /checkouts", p.createCheckout)
	p.mux.HandleFunc("GET /checkouts/{id}", p.getCheckout)
	p.mux.HandleFunc("PUT /checkouts/{id}", p.processCheckout)
	return p
}

// ServeHTTP satisfies http.Handler.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+p.apiKey {
		writeJSON(w, http.StatusUnauthorized, providerError{ErrorCode: "NOT_AUTHORIZED", Message: "invalid access token"})
		return
	}
	p.mux.ServeHTTP(w, r)
}

// Settle forces the status of a transaction.
func (p *Provider) Settle(txID string, status pos.CheckoutStatus) bool {
	p.mu.Lock()
	tx, ok := p.transactions[txID]
	if ok {
		tx.status = status
	}
	p.mu.Unlock()
	if ok && status.Terminal() && p.onSettled != nil {
		p.onSettled(txID, status)
	}
	return ok
}

// Status reports the status of a transaction.
func (p *Provider) Status(txID string) (pos.CheckoutStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.transactions[txID]
	if !ok {
		return "", false
	}
	return tx.status, true
}

type providerError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type checkoutBody struct {
	ID     string             `json:"id"`
	Status pos.CheckoutStatus `json:"status"`
	Amount json.Number        `json:"amount,omitempty"`
}

func (p *Provider) merchantOK(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("code") != p.merchantCode {
		writeJSON(w, http.StatusNotFound, providerError{ErrorCode: "NOT_FOUND", Message: "merchant not found"})
		return false
	}
	return true
}

func (p *Provider) findReader(id string) (pos.ReaderInfo, bool) {
	for _, r := range p.readers {
		if r.ID == id {
			return r, true
		}
	}
	return pos.ReaderInfo{}, false
}

func (p *Provider) listReaders(w http.ResponseWriter, r *http.Request) {
	if !p.merchantOK(w, r) {
		return
	}
	p.mu.Lock()
	items := append([]pos.ReaderInfo{}, p.readers...)
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (p *Provider) readerCheckout(w http.ResponseWriter, r *http.Request) {
	if !p.merchantOK(w, r) {
		return
	}
	var body struct {
		TotalAmount struct {
			Currency  string `json:"currency"`
			MinorUnit int    `json:"minor_unit"`
			Value     int64  `json:"value"`
		} `json:"total_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, providerError{ErrorCode: "INVALID", Message: err.Error()})
		return
	}
	if body.TotalAmount.Value <= 0 || body.TotalAmount.Currency != pos.Currency {
		writeJSON(w, http.StatusUnprocessableEntity, providerError{ErrorCode: "INVALID_AMOUNT", Message: "amount must be a positive EUR value"})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	readerID := r.PathValue("id")
	if _, ok := p.findReader(readerID); !ok {
		writeJSON(w, http.StatusNotFound, providerError{ErrorCode: "NOT_FOUND", Message: "reader not found"})
		return
	}
	tx := &transaction{
		id:       "txn_" + uuid.NewString(),
		readerID: readerID,
		amount:   body.TotalAmount.Value,
		status:   pos.CheckoutPending,
	}
	p.transactions[tx.id] = tx
	p.logger.Info("Reader checkout created",
		zap.String("reader_id", readerID),
		zap.String("transaction_id", tx.id),
		zap.Int64("minor_units", tx.amount),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"data": map[string]string{"client_transaction_id": tx.id},
	})
}

func (p *Provider) readerStatus(w http.ResponseWriter, r *http.Request) {
	if !p.merchantOK(w, r) {
		return
	}
	p.mu.Lock()
	_, ok := p.findReader(r.PathValue("id"))
	busy := false
	for _, tx := range p.transactions {
		if tx.readerID == r.PathValue("id") && tx.status == pos.CheckoutPending {
			busy = true
		}
	}
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, providerError{ErrorCode: "NOT_FOUND", Message: "reader not found"})
		return
	}
	battery := 87
	status := pos.ReaderStatus{Status: "ONLINE", State: "IDLE", BatteryLevel: &battery, ConnectionType: "wifi"}
	if busy {
		status.State = "WAITING_FOR_CARD"
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": status})
}

func (p *Provider) createCheckout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CheckoutReference string      `json:"checkout_reference"`
		Amount            json.Number `json:"amount"`
		Currency          string      `json:"currency"`
		MerchantCode      string      `json:"merchant_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, providerError{ErrorCode: "INVALID", Message: err.Error()})
		return
	}
	if body.MerchantCode != p.merchantCode || body.CheckoutReference == "" {
		writeJSON(w, http.StatusBadRequest, providerError{ErrorCode: "INVALID", Message: "merchant_code and checkout_reference are required"})
		return
	}
	p.mu.Lock()
	tx := &transaction{id: "chk_" + uuid.NewString(), status: pos.CheckoutPending}
	p.transactions[tx.id] = tx
	p.mu.Unlock()
	writeJSON(w, http.StatusCreated, checkoutBody{ID: tx.id, Status: tx.status, Amount: body.Amount})
}

// getCheckout advances the transaction by one poll.
func (p *Provider) getCheckout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p.mu.Lock()
	tx, ok := p.transactions[id]
	settled := false
	if ok && tx.status == pos.CheckoutPending && strings.HasPrefix(tx.id, "txn_") {
		tx.polls++
		if tx.polls > p.settleAfter {
			tx.status = p.settleAs
			settled = true
		}
	}
	var status pos.CheckoutStatus
	if ok {
		status = tx.status
	}
	p.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, providerError{ErrorCode: "NOT_FOUND", Message: "checkout not found"})
		return
	}
	if settled {
		p.logger.Info("Reader transaction settled", zap.String("transaction_id", id), zap.String("status", string(status)))
		if p.onSettled != nil {
			p.onSettled(id, status)
		}
	}
	writeJSON(w, http.StatusOK, checkoutBody{ID: id, Status: status})
}

func (p *Provider) processCheckout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaymentType string `json:"payment_type"`
		Card        struct {
			Token string `json:"token"`
		} `json:"card"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PaymentType != "card" {
		writeJSON(w, http.StatusBadRequest, providerError{ErrorCode: "INVALID", Message: "card payment expected"})
		return
	}
	id := r.PathValue("id")
	p.mu.Lock()
	tx, ok := p.transactions[id]
	if ok && tx.status == pos.CheckoutPending {
		tx.status = pos.CheckoutPaid
		if body.Card.Token == "tok_declined" {
			tx.status = pos.CheckoutFailed
		}
	}
	var status pos.CheckoutStatus
	if ok {
		status = tx.status
	}
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, providerError{ErrorCode: "NOT_FOUND", Message: "checkout not found"})
		return
	}
	writeJSON(w, http.StatusOK, checkoutBody{ID: id, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
