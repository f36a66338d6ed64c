package pos

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CheckoutCallback is posted by the checkout provider once a hosted or
// card-present checkout settles. PAID callbacks carry the payment record.
type CheckoutCallback struct {
	CheckoutID string `json:"checkout_id" validate:"required"`
	Status     string `json:"status" validate:"required,oneof=PENDING PAID FAILED EXPIRED"`
	PaymentID  string `json:"payment_id" validate:"required_if=Status PAID"`
	Secret     string `json:"secret" validate:"required_if=Status PAID"`
}

type callbackAck struct {
	Status string `json:"status"`
}

// CallbackHandler accepts checkout callbacks and hands PAID payment records
// to a [TokenDeliverer] keyed by checkout id.
type CallbackHandler struct {
	deliverer TokenDeliverer
	mux       *http.ServeMux
	cfg       config
}

// NewCallbackHandler builds a [CallbackHandler] backed by net/http's ServeMux.
func NewCallbackHandler(deliverer TokenDeliverer, opts ...Option) *CallbackHandler {
	cfg := config{
		maxClockSkew: 5 * time.Minute,
		logger:       zap.NewNop(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.requireSignedRequests && cfg.signatureVerifier == nil {
		panic("callback: signature verifier required when signed requests are enforced")
	}
	h := &CallbackHandler{
		deliverer: deliverer,
		mux:       http.NewServeMux(),
		cfg:       cfg,
	}
	var middleware []Middleware
	// Later entries wrap earlier ones, so authentication runs before the
	// signature check.
	if mw := newSignatureMiddleware(signatureMiddlewareConfig{
		Verifier:      cfg.signatureVerifier,
		RequireSigned: cfg.requireSignedRequests,
		MaxClockSkew:  cfg.maxClockSkew,
		Clock:         cfg.clock,
	}); mw != nil {
		middleware = append(middleware, mw)
	}
	if mw := newAuthenticationMiddleware(cfg.authenticator); mw != nil {
		middleware = append(middleware, mw)
	}
	middleware = append(middleware, cfg.middleware...)
	h.mux.HandleFunc("POST /callbacks/checkout", applyMiddleware(h.handleCheckout, middleware...))
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := contextWithCallbackContext(r.Context(), callbackContextFromRequest(r))
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *CallbackHandler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var cb CheckoutCallback
	if err := decodeJSON(r.Body, &cb); err != nil {
		writeJSONError(w, NewPreconditionError(InvalidRequest, err.Error()))
		return
	}
	if err := cb.Validate(); err != nil {
		writeJSONError(w, NewPreconditionError(InvalidRequest, err.Error()))
		return
	}

	log := h.cfg.logger.With(
		zap.String("checkout_id", cb.CheckoutID),
		zap.String("request_id", CallbackContextFromContext(r.Context()).RequestID),
	)
	status, _ := ParseCheckoutStatus(cb.Status)
	if status != CheckoutPaid {
		log.Info("Ignoring checkout callback", zap.String("status", string(status)))
		writeJSON(w, http.StatusAccepted, callbackAck{Status: "ignored"})
		return
	}

	rec := PaymentRecord{PaymentID: cb.PaymentID, Secret: cb.Secret}
	if err := h.deliverer.Deliver(r.Context(), cb.CheckoutID, rec); err != nil {
		log.Error("Failed to deliver payment record", zap.Error(err))
		WriteError(w, err)
		return
	}
	log.Info("Payment record delivered", zap.String("payment_id", rec.PaymentID))
	writeJSON(w, http.StatusAccepted, callbackAck{Status: "accepted"})
}
