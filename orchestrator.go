package pos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/teur/pos"

// sideEffectTimeout bounds publishing and journaling once the attempt
// context may already be canceled.
const sideEffectTimeout = 5 * time.Second

// callTimeout is the longest a single reader or release API call may take.
// It matches the timeout of the HTTP clients in sumup and release.
const callTimeout = 30 * time.Second

// lockMargin keeps the reader lease alive past the attempt budget.
const lockMargin = 30 * time.Second

// Orchestrator runs the payment release flow: charge on a reader, wait for
// the reader to confirm, wait for the payment record, release the tokens.
// Only one attempt runs at a time.
type Orchestrator struct {
	gateway  ReaderGateway
	releaser Releaser
	tokens   TokenSource
	cfg      orchestratorConfig
	tracer   trace.Tracer

	mu      sync.Mutex
	current *Attempt
	running bool
	cancel  context.CancelFunc
}

// NewOrchestrator wires the flow to its collaborators.
func NewOrchestrator(gateway ReaderGateway, releaser Releaser, tokens TokenSource, opts ...OrchestratorOption) *Orchestrator {
	if gateway == nil || releaser == nil || tokens == nil {
		panic("orchestrator: gateway, releaser and token source are required")
	}
	cfg := orchestratorConfig{
		logger:        zap.NewNop(),
		tracer:        otel.GetTracerProvider(),
		pollInterval:  time.Second,
		statusTimeout: time.Minute,
		tokenTimeout:  30 * time.Second,
		metrics:       noopMetrics{},
		clock:         time.Now,
		newAttemptID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	return &Orchestrator{
		gateway:  gateway,
		releaser: releaser,
		tokens:   tokens,
		cfg:      cfg,
		tracer:   cfg.tracer.Tracer(tracerName),
	}
}

// Start reserves the orchestrator and runs the attempt in the background.
// ctx governs the whole attempt. done, when set, receives the final snapshot.
// ErrAttemptInProgress is returned while a previous attempt is not terminal.
func (o *Orchestrator) Start(ctx context.Context, req ChargeRequest, done func(*Attempt)) (*Attempt, error) {
	if !req.Amount.IsPositive() {
		return nil, NewPreconditionError(InvalidRequest, "amount must be greater than 0")
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAttemptInProgress
	}
	now := o.cfg.clock()
	attempt := &Attempt{
		ID:          o.cfg.newAttemptID(),
		ReaderID:    req.ReaderID,
		Amount:      req.Amount,
		Description: req.Description,
		State:       StateIdle,
		History:     []Transition{},
		StartedAt:   now,
		UpdatedAt:   now,
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.current = attempt
	o.cancel = cancel
	snapshot := attempt.clone()
	o.mu.Unlock()

	go func() {
		defer cancel()
		final := o.run(runCtx, attempt, req)
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
		if done != nil {
			done(final)
		}
	}()
	return snapshot, nil
}

// Process runs an attempt and blocks until it is DONE or FAILED. The returned
// error is the attempt's *Error when it failed.
func (o *Orchestrator) Process(ctx context.Context, req ChargeRequest) (*Attempt, error) {
	result := make(chan *Attempt, 1)
	if _, err := o.Start(ctx, req, func(a *Attempt) { result <- a }); err != nil {
		return nil, err
	}
	final := <-result
	if final.Err != nil {
		return final, final.Err
	}
	return final, nil
}

// Cancel aborts the running attempt. It reports whether one was running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// Current returns a snapshot of the latest attempt, or nil before the first one.
func (o *Orchestrator) Current() *Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.clone()
}

// Busy reports whether an attempt is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) run(ctx context.Context, a *Attempt, req ChargeRequest) *Attempt {
	ctx, span := o.tracer.Start(ctx, "pos.Orchestrator.Process", trace.WithAttributes(
		attribute.String("attempt.id", a.ID),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	log := o.cfg.logger.With(zap.String("attempt_id", a.ID))
	log.Info("Processing payment",
		zap.String("reader_id", req.ReaderID),
		zap.String("amount", req.Amount.String()),
	)

	if err := o.execute(ctx, a, req, log); err != nil {
		failure := o.classify(ctx, err)
		o.fail(ctx, a, failure, log)
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Message)
	}
	return o.snapshot(a)
}

func (o *Orchestrator) execute(ctx context.Context, a *Attempt, req ChargeRequest, log *zap.Logger) error {
	readerID, err := o.selectReader(ctx, req.ReaderID)
	if err != nil {
		return err
	}
	o.update(a, func(a *Attempt) { a.ReaderID = readerID })
	log = log.With(zap.String("reader_id", readerID))

	if o.cfg.locker == nil {
		return o.executeOn(ctx, a, req, readerID, log)
	}
	unlock, err := o.cfg.locker.Acquire(ctx, "reader:"+readerID, o.cfg.leaseTTL())
	if err != nil {
		return err
	}
	defer unlock()

	// The attempt must finish before the lease can expire under it.
	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.attemptBudget())
	defer cancel()
	err = o.executeOn(budgetCtx, a, req, readerID, log)
	if err != nil && ctx.Err() == nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
		return NewError(Timeout, AttemptTimeout, "payment attempt outlived its reader lock", WithCause(err), WithStatusCode(http.StatusGatewayTimeout))
	}
	return err
}

func (o *Orchestrator) executeOn(ctx context.Context, a *Attempt, req ChargeRequest, readerID string, log *zap.Logger) error {
	if err := o.transition(ctx, a, StateReaderCharging, nil); err != nil {
		return err
	}
	txID, err := o.charge(ctx, readerID, req)
	if err != nil {
		return err
	}
	o.update(a, func(a *Attempt) { a.TransactionID = txID })
	log = log.With(zap.String("transaction_id", txID))

	if err := o.awaitPaid(ctx, txID, log); err != nil {
		return err
	}
	if err := o.transition(ctx, a, StateAwaitingTokenData, nil); err != nil {
		return err
	}

	rec, err := o.awaitToken(ctx, txID)
	if err != nil {
		return err
	}
	if err := rec.Check(); err != nil {
		return err
	}
	o.update(a, func(a *Attempt) { a.PaymentID = rec.PaymentID })

	settle, claimErr := claimRelease(ctx, o.cfg.journal, rec.PaymentID, a.ID, log)
	if claimErr != nil {
		return claimErr
	}
	releaseErr := errReleaseSkipped
	defer func() { settle(releaseErr) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.transition(ctx, a, StateReleasing, nil); err != nil {
		return err
	}
	if releaseErr = o.release(ctx, rec); releaseErr != nil {
		return releaseErr
	}
	return o.transition(ctx, a, StateDone, nil)
}

func (o *Orchestrator) selectReader(ctx context.Context, readerID string) (string, error) {
	if readerID != "" {
		return readerID, nil
	}
	readers, err := o.gateway.ListReaders(ctx)
	if err != nil {
		return "", NewReaderError("could not list card readers", WithCause(err))
	}
	if len(readers) == 0 {
		return "", NewReaderError("no card readers available", WithCode(NoReaders), WithStatusCode(http.StatusServiceUnavailable))
	}
	return readers[0].ID, nil
}

func (o *Orchestrator) charge(ctx context.Context, readerID string, req ChargeRequest) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pos.Orchestrator.charge", trace.WithAttributes(attribute.String("reader.id", readerID)))
	defer span.End()

	txID, err := o.gateway.ChargeOnReader(ctx, readerID, req.Amount, req.Description)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewReaderError("charge on reader failed", WithCause(err))
	}
	if txID == "" {
		return "", NewReaderError("reader did not report a transaction id")
	}
	return txID, nil
}

// awaitPaid polls the checkout status until it is PAID, bounded by the
// status timeout.
func (o *Orchestrator) awaitPaid(ctx context.Context, txID string, log *zap.Logger) error {
	ctx, span := o.tracer.Start(ctx, "pos.Orchestrator.awaitPaid")
	defer span.End()

	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.statusTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.pollInterval)
	defer ticker.Stop()

	for {
		status, err := o.gateway.GetCheckoutStatus(pollCtx, txID)
		switch {
		case err != nil:
			if pollCtx.Err() == nil {
				log.Warn("Checkout status poll failed", zap.Error(err))
			}
		case status == CheckoutPaid:
			return nil
		case status == CheckoutFailed || status == CheckoutExpired:
			return NewReaderError(fmt.Sprintf("payment %s on reader", status), WithCode(PaymentDeclined), WithStatusCode(http.StatusPaymentRequired))
		}

		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return NewError(Timeout, StatusTimeout, "reader did not confirm the payment in time", WithStatusCode(http.StatusGatewayTimeout))
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) awaitToken(ctx context.Context, txID string) (PaymentRecord, error) {
	ctx, span := o.tracer.Start(ctx, "pos.Orchestrator.awaitToken")
	defer span.End()

	tokenCtx, cancel := context.WithTimeout(ctx, o.cfg.tokenTimeout)
	defer cancel()
	rec, err := o.tokens.AwaitToken(tokenCtx, txID)
	if err != nil {
		if ctx.Err() != nil {
			return PaymentRecord{}, ctx.Err()
		}
		opts := []errorOption{WithCause(err)}
		if errors.Is(err, context.DeadlineExceeded) {
			opts = append(opts, WithCode(TokenTimeout))
		}
		return PaymentRecord{}, NewMissingTokenDataError("no payment data received from NFC tag or checkout callback", opts...)
	}
	return rec, nil
}

func (o *Orchestrator) release(ctx context.Context, rec PaymentRecord) error {
	ctx, span := o.tracer.Start(ctx, "pos.Orchestrator.release", trace.WithAttributes(attribute.String("payment.id", rec.PaymentID)))
	defer span.End()

	start := o.cfg.clock()
	outcome := o.releaser.Release(ctx, rec.PaymentID, rec.Secret)
	o.cfg.metrics.ObserveRelease(outcome.Success, o.cfg.clock().Sub(start))
	if outcome.Success {
		return nil
	}
	if outcome.Err != nil {
		return outcome.Err
	}
	return NewAPIError(outcome.StatusCode, fmt.Sprintf("token release failed with status %d", outcome.StatusCode))
}

// classify turns whatever stopped the attempt into a typed failure.
func (o *Orchestrator) classify(ctx context.Context, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return NewError(Timeout, ErrorCode(Timeout), "payment attempt timed out", WithCause(err), WithStatusCode(http.StatusGatewayTimeout))
		}
		return NewError(Canceled, ErrorCode(Canceled), "payment attempt canceled", WithCause(err), WithStatusCode(http.StatusConflict))
	}
	return asError(err, func(msg string, opts ...errorOption) *Error {
		return NewError(PreconditionFailed, ErrorCode(PreconditionFailed), msg, opts...)
	}, "payment attempt failed")
}

func (o *Orchestrator) fail(ctx context.Context, a *Attempt, failure *Error, log *zap.Logger) {
	o.cfg.metrics.ObserveFailure(failure.Kind)
	log.Error("Payment attempt failed",
		zap.String("error_kind", string(failure.Kind)),
		zap.String("error_code", string(failure.Code)),
		zap.Error(failure),
	)
	if err := o.transition(ctx, a, StateFailed, failure); err != nil {
		log.Error("Could not record failure", zap.Error(err))
	}
}

func (o *Orchestrator) transition(ctx context.Context, a *Attempt, to State, cause *Error) error {
	o.mu.Lock()
	from := a.State
	if !CanTransition(from, to) {
		o.mu.Unlock()
		return NewPreconditionError(InvalidTransition, fmt.Sprintf("invalid state transition from %s to %s for attempt %s", from, to, a.ID))
	}
	now := o.cfg.clock()
	a.State = to
	a.UpdatedAt = now
	a.History = append(a.History, Transition{From: from, To: to, At: now})
	if cause != nil {
		a.Err = cause
	}
	snapshot := a.clone()
	o.mu.Unlock()

	o.cfg.metrics.ObserveTransition(from, to)
	o.cfg.logger.Info("Payment state transition",
		zap.String("attempt_id", snapshot.ID),
		zap.String("payment_id", snapshot.PaymentID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
	)
	o.record(ctx, snapshot, from)
	return nil
}

// record publishes and journals a transition. Failures are logged only.
func (o *Orchestrator) record(ctx context.Context, snapshot *Attempt, from State) {
	if o.cfg.publisher == nil && o.cfg.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if o.cfg.publisher != nil {
		event := TransitionEvent{
			AttemptID:     snapshot.ID,
			ReaderID:      snapshot.ReaderID,
			TransactionID: snapshot.TransactionID,
			PaymentID:     snapshot.PaymentID,
			State:         snapshot.State,
			PreviousState: from,
			Timestamp:     snapshot.UpdatedAt,
		}
		if snapshot.Err != nil {
			event.ErrorKind = snapshot.Err.Kind
		}
		if err := o.cfg.publisher.Publish(ctx, event); err != nil {
			o.cfg.logger.Error("Failed to publish transition event",
				zap.String("attempt_id", snapshot.ID),
				zap.Error(err),
			)
		}
	}
	if o.cfg.journal != nil {
		if err := o.cfg.journal.SaveAttempt(ctx, snapshot); err != nil {
			o.cfg.logger.Error("Failed to journal attempt",
				zap.String("attempt_id", snapshot.ID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) update(a *Attempt, fn func(*Attempt)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(a)
	a.UpdatedAt = o.cfg.clock()
}

func (o *Orchestrator) snapshot(a *Attempt) *Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return a.clone()
}
