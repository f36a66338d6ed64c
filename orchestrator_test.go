package pos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubGateway struct {
	listReaders func(ctx context.Context) ([]ReaderInfo, error)
	charge      func(ctx context.Context, readerID string, amount decimal.Decimal, description string) (string, error)
	status      func(ctx context.Context, checkoutID string) (CheckoutStatus, error)
}

func (s *stubGateway) ListReaders(ctx context.Context) ([]ReaderInfo, error) {
	if s.listReaders == nil {
		return []ReaderInfo{{ID: "rdr_default"}}, nil
	}
	return s.listReaders(ctx)
}

func (s *stubGateway) CreateCheckout(context.Context, decimal.Decimal, string) (string, error) {
	return "co_1", nil
}

func (s *stubGateway) ChargeOnReader(ctx context.Context, readerID string, amount decimal.Decimal, description string) (string, error) {
	if s.charge == nil {
		return "tx_1", nil
	}
	return s.charge(ctx, readerID, amount, description)
}

func (s *stubGateway) GetCheckoutStatus(ctx context.Context, checkoutID string) (CheckoutStatus, error) {
	if s.status == nil {
		return CheckoutPaid, nil
	}
	return s.status(ctx, checkoutID)
}

type stubReleaser struct {
	calls   atomic.Int32
	release func(ctx context.Context, paymentID, secret string) ReleaseOutcome
}

func (s *stubReleaser) Release(ctx context.Context, paymentID, secret string) ReleaseOutcome {
	s.calls.Add(1)
	if s.release == nil {
		return ReleaseOutcome{Success: true, StatusCode: 200}
	}
	return s.release(ctx, paymentID, secret)
}

type stubJournal struct {
	mu        sync.Mutex
	reserved  map[string]string
	abandoned []string
	saved     []State
}

func newStubJournal() *stubJournal {
	return &stubJournal{reserved: make(map[string]string)}
}

func (j *stubJournal) SaveAttempt(_ context.Context, a *Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved = append(j.saved, a.State)
	return nil
}

func (j *stubJournal) ReserveRelease(_ context.Context, paymentID, attemptID string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.reserved[paymentID]; ok {
		return false, nil
	}
	j.reserved[paymentID] = attemptID
	return true, nil
}

func (j *stubJournal) AbandonRelease(_ context.Context, paymentID, attemptID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.reserved[paymentID] == attemptID {
		delete(j.reserved, paymentID)
		j.abandoned = append(j.abandoned, paymentID)
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) states() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.State)
	}
	return out
}

type countingMetrics struct {
	transitions atomic.Int32
	failures    atomic.Int32
	releases    atomic.Int32
}

func (m *countingMetrics) ObserveTransition(State, State) {
	m.transitions.Add(1)
}

func (m *countingMetrics) ObserveFailure(ErrorKind) {
	m.failures.Add(1)
}

func (m *countingMetrics) ObserveRelease(bool, time.Duration) {
	m.releases.Add(1)
}

func fastOptions(extra ...OrchestratorOption) []OrchestratorOption {
	opts := []OrchestratorOption{
		WithPollInterval(time.Millisecond),
		WithStatusTimeout(time.Second),
		WithTokenTimeout(time.Second),
		withAttemptIDs(func() string { return "att_1" }),
	}
	return append(opts, extra...)
}

func chargeRequest() ChargeRequest {
	return ChargeRequest{ReaderID: "rdr_1", Amount: decimal.RequireFromString("15.75"), Description: "coffee"}
}

func inboxWith(t *testing.T, key string, rec PaymentRecord) *MemoryInbox {
	t.Helper()
	inbox := NewMemoryInbox()
	if err := inbox.Deliver(context.Background(), key, rec); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	return inbox
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur := o.Current(); cur != nil && cur.State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("orchestrator never reached %s, current %+v", want, o.Current())
}

func TestOrchestratorProcessReleasesOnce(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	gateway := &stubGateway{
		status: func(ctx context.Context, id string) (CheckoutStatus, error) {
			if id != "tx_1" {
				return "", fmt.Errorf("unexpected id %s", id)
			}
			if polls.Add(1) < 3 {
				return CheckoutPending, nil
			}
			return CheckoutPaid, nil
		},
	}
	releaser := &stubReleaser{
		release: func(_ context.Context, paymentID, secret string) ReleaseOutcome {
			if paymentID != "p1" || secret != "s1" {
				return ReleaseOutcome{Err: errors.New("wrong record")}
			}
			return ReleaseOutcome{Success: true, StatusCode: 200}
		},
	}
	journal := newStubJournal()
	publisher := &recordingPublisher{}
	metrics := &countingMetrics{}
	core, logs := observer.New(zapcore.InfoLevel)

	o := NewOrchestrator(gateway, releaser, inboxWith(t, "tx_1", PaymentRecord{PaymentID: "p1", Secret: "s1"}), fastOptions(
		WithJournal(journal),
		WithEventPublisher(publisher),
		WithMetrics(metrics),
		WithLogger(zap.New(core)),
	)...)

	attempt, err := o.Process(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if attempt.State != StateDone {
		t.Fatalf("expected DONE got %s", attempt.State)
	}
	if attempt.PaymentID != "p1" || attempt.TransactionID != "tx_1" || attempt.ReaderID != "rdr_1" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	if got := releaser.calls.Load(); got != 1 {
		t.Fatalf("expected one release got %d", got)
	}
	if got := polls.Load(); got != 3 {
		t.Fatalf("expected 3 polls got %d", got)
	}

	want := []State{StateReaderCharging, StateAwaitingTokenData, StateReleasing, StateDone}
	if len(attempt.History) != len(want) {
		t.Fatalf("unexpected history %+v", attempt.History)
	}
	for i, tr := range attempt.History {
		if tr.To != want[i] {
			t.Fatalf("history[%d] = %s want %s", i, tr.To, want[i])
		}
	}
	if got := publisher.states(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published %v want %v", got, want)
	}
	if got := metrics.transitions.Load(); got != 4 {
		t.Fatalf("expected 4 transitions got %d", got)
	}
	if got := metrics.releases.Load(); got != 1 {
		t.Fatalf("expected 1 release observation got %d", got)
	}
	if got := logs.FilterMessage("Payment state transition").Len(); got != 4 {
		t.Fatalf("expected 4 transition logs got %d", got)
	}
	if journal.reserved["p1"] != "att_1" {
		t.Fatalf("expected reservation for p1, got %v", journal.reserved)
	}
	if o.Busy() {
		t.Fatalf("expected orchestrator to be idle")
	}
}

func TestOrchestratorRejectsSecondAttempt(t *testing.T) {
	t.Parallel()

	unblock := make(chan struct{})
	gateway := &stubGateway{
		charge: func(ctx context.Context, _ string, _ decimal.Decimal, _ string) (string, error) {
			select {
			case <-unblock:
				return "tx_1", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	o := NewOrchestrator(gateway, &stubReleaser{}, inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"}), fastOptions()...)

	done := make(chan *Attempt, 1)
	if _, err := o.Start(context.Background(), chargeRequest(), func(a *Attempt) { done <- a }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, err := o.Process(context.Background(), chargeRequest())
	if !errors.Is(err, ErrAttemptInProgress) {
		t.Fatalf("expected ErrAttemptInProgress got %v", err)
	}
	if KindOf(err) != Busy {
		t.Fatalf("expected busy kind got %s", KindOf(err))
	}

	close(unblock)
	final := <-done
	if final.State != StateDone {
		t.Fatalf("expected first attempt to finish, got %s (%v)", final.State, final.Err)
	}
	if _, err := o.Start(context.Background(), chargeRequest(), nil); err != nil {
		t.Fatalf("expected a new attempt to be accepted after the first finished, got %v", err)
	}
}

func TestOrchestratorFailures(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		gateway  *stubGateway
		releaser *stubReleaser
		request  ChargeRequest
		tokens   func(t *testing.T) TokenSource
		opts     []OrchestratorOption
		kind     ErrorKind
		code     ErrorCode
		released int32
	}{
		"no readers": {
			gateway: &stubGateway{listReaders: func(context.Context) ([]ReaderInfo, error) { return nil, nil }},
			request: ChargeRequest{Amount: decimal.NewFromInt(1)},
			kind:    ReaderError,
			code:    NoReaders,
		},
		"reader listing fails": {
			gateway: &stubGateway{listReaders: func(context.Context) ([]ReaderInfo, error) {
				return nil, NewTransportError("list readers returned 500")
			}},
			request: ChargeRequest{Amount: decimal.NewFromInt(1)},
			kind:    ReaderError,
			code:    ErrorCode(ReaderError),
		},
		"charge fails": {
			gateway: &stubGateway{charge: func(context.Context, string, decimal.Decimal, string) (string, error) {
				return "", NewAPIError(400, "reader offline")
			}},
			kind: ReaderError,
			code: ErrorCode(ReaderError),
		},
		"payment declined": {
			gateway: &stubGateway{status: func(context.Context, string) (CheckoutStatus, error) { return CheckoutFailed, nil }},
			kind:    ReaderError,
			code:    PaymentDeclined,
		},
		"checkout expired": {
			gateway: &stubGateway{status: func(context.Context, string) (CheckoutStatus, error) { return CheckoutExpired, nil }},
			kind:    ReaderError,
			code:    PaymentDeclined,
		},
		"status never paid": {
			gateway: &stubGateway{status: func(context.Context, string) (CheckoutStatus, error) { return CheckoutPending, nil }},
			opts:    []OrchestratorOption{WithStatusTimeout(30 * time.Millisecond)},
			kind:    Timeout,
			code:    StatusTimeout,
		},
		"status polling keeps failing": {
			gateway: &stubGateway{status: func(context.Context, string) (CheckoutStatus, error) {
				return "", NewTransportError("connection reset")
			}},
			opts: []OrchestratorOption{WithStatusTimeout(30 * time.Millisecond)},
			kind: Timeout,
			code: StatusTimeout,
		},
		"no token data": {
			tokens: func(*testing.T) TokenSource { return NewMemoryInbox() },
			opts:   []OrchestratorOption{WithTokenTimeout(30 * time.Millisecond)},
			kind:   MissingTokenData,
			code:   TokenTimeout,
		},
		"empty secret": {
			tokens: func(t *testing.T) TokenSource { return inboxWith(t, "", PaymentRecord{PaymentID: "p1"}) },
			kind:   PreconditionFailed,
			code:   MissingSecret,
		},
		"release rejected": {
			releaser: &stubReleaser{release: func(context.Context, string, string) ReleaseOutcome {
				return ReleaseOutcome{StatusCode: 500, Err: NewAPIError(500, "boom")}
			}},
			kind:     APIError,
			code:     ErrorCode(APIError),
			released: 1,
		},
		"release fails without detail": {
			releaser: &stubReleaser{release: func(context.Context, string, string) ReleaseOutcome {
				return ReleaseOutcome{StatusCode: 503}
			}},
			kind:     APIError,
			code:     ErrorCode(APIError),
			released: 1,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			gateway := tc.gateway
			if gateway == nil {
				gateway = &stubGateway{}
			}
			releaser := tc.releaser
			if releaser == nil {
				releaser = &stubReleaser{}
			}
			var tokens TokenSource = inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"})
			if tc.tokens != nil {
				tokens = tc.tokens(t)
			}
			req := tc.request
			if req.Amount.IsZero() {
				req = chargeRequest()
			}
			metrics := &countingMetrics{}

			o := NewOrchestrator(gateway, releaser, tokens, fastOptions(append(tc.opts, WithMetrics(metrics))...)...)
			attempt, err := o.Process(context.Background(), req)
			if err == nil {
				t.Fatalf("expected failure, got %+v", attempt)
			}
			if attempt.State != StateFailed {
				t.Fatalf("expected FAILED got %s", attempt.State)
			}
			if !errors.Is(err, NewError(tc.kind, tc.code, "")) {
				t.Fatalf("expected %s/%s got %s/%s: %v", tc.kind, tc.code, attempt.Err.Kind, attempt.Err.Code, err)
			}
			if got := releaser.calls.Load(); got != tc.released {
				t.Fatalf("expected %d release calls got %d", tc.released, got)
			}
			if got := metrics.failures.Load(); got != 1 {
				t.Fatalf("expected one failure observation got %d", got)
			}
			last := attempt.History[len(attempt.History)-1]
			if last.To != StateFailed {
				t.Fatalf("expected last transition to FAILED got %+v", last)
			}
		})
	}
}

func TestOrchestratorRejectsDuplicateRelease(t *testing.T) {
	t.Parallel()

	journal := newStubJournal()
	journal.reserved["p1"] = "att_0"
	releaser := &stubReleaser{}
	o := NewOrchestrator(&stubGateway{}, releaser, inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"}), fastOptions(WithJournal(journal))...)

	attempt, err := o.Process(context.Background(), chargeRequest())
	if !errors.Is(err, NewPreconditionError(DuplicateRelease, "")) {
		t.Fatalf("expected duplicate_release got %v", err)
	}
	if attempt.State != StateFailed {
		t.Fatalf("expected FAILED got %s", attempt.State)
	}
	if got := releaser.calls.Load(); got != 0 {
		t.Fatalf("expected no release got %d", got)
	}
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if last := journal.saved[len(journal.saved)-1]; last != StateFailed {
		t.Fatalf("expected journaled FAILED got %s", last)
	}
}

func TestOrchestratorRetriesAfterFailedRelease(t *testing.T) {
	t.Parallel()

	rec := PaymentRecord{PaymentID: "p1", Secret: "s1"}
	journal := newStubJournal()
	var failing atomic.Bool
	failing.Store(true)
	releaser := &stubReleaser{release: func(context.Context, string, string) ReleaseOutcome {
		if failing.Load() {
			return ReleaseOutcome{StatusCode: 500, Err: NewAPIError(500, "token release returned 500")}
		}
		return ReleaseOutcome{Success: true, StatusCode: 200}
	}}
	var ids atomic.Int32
	inbox := inboxWith(t, "", rec)
	o := NewOrchestrator(&stubGateway{}, releaser, inbox, fastOptions(
		WithJournal(journal),
		withAttemptIDs(func() string { return fmt.Sprintf("att_%d", ids.Add(1)) }),
	)...)

	if _, err := o.Process(context.Background(), chargeRequest()); KindOf(err) != APIError {
		t.Fatalf("expected api error got %v", err)
	}

	failing.Store(false)
	if err := inbox.Deliver(context.Background(), "", rec); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	attempt, err := o.Process(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if attempt.State != StateDone || attempt.ID != "att_2" {
		t.Fatalf("expected att_2 DONE got %s %s", attempt.ID, attempt.State)
	}
	if got := releaser.calls.Load(); got != 2 {
		t.Fatalf("expected two release calls got %d", got)
	}
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if journal.reserved["p1"] != "att_2" || len(journal.abandoned) != 1 {
		t.Fatalf("unexpected reservations %v abandoned %v", journal.reserved, journal.abandoned)
	}
}

func TestOrchestratorKeepsReservationWhenAlreadyReleased(t *testing.T) {
	t.Parallel()

	journal := newStubJournal()
	releaser := &stubReleaser{release: func(context.Context, string, string) ReleaseOutcome {
		return ReleaseOutcome{StatusCode: 409, Err: NewAPIError(409, "token release returned 409")}
	}}
	o := NewOrchestrator(&stubGateway{}, releaser, inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"}), fastOptions(WithJournal(journal))...)

	if _, err := o.Process(context.Background(), chargeRequest()); KindOf(err) != APIError {
		t.Fatalf("expected api error got %v", err)
	}
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if journal.reserved["p1"] != "att_1" || len(journal.abandoned) != 0 {
		t.Fatalf("expected reservation to be kept got %v abandoned %v", journal.reserved, journal.abandoned)
	}
}

func TestOrchestratorCancelAbortsWithoutRelease(t *testing.T) {
	t.Parallel()

	releaser := &stubReleaser{}
	o := NewOrchestrator(&stubGateway{}, releaser, NewMemoryInbox(), fastOptions(WithTokenTimeout(time.Minute))...)
	if o.Cancel() {
		t.Fatalf("expected nothing to cancel")
	}

	done := make(chan *Attempt, 1)
	if _, err := o.Start(context.Background(), chargeRequest(), func(a *Attempt) { done <- a }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, o, StateAwaitingTokenData)
	if !o.Cancel() {
		t.Fatalf("expected running attempt to be canceled")
	}

	final := <-done
	if final.State != StateFailed || final.Err == nil || final.Err.Kind != Canceled {
		t.Fatalf("expected canceled failure got %+v", final)
	}
	if got := releaser.calls.Load(); got != 0 {
		t.Fatalf("expected no release after cancel got %d", got)
	}
}

func TestOrchestratorCallerContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	gateway := &stubGateway{
		status: func(context.Context, string) (CheckoutStatus, error) {
			cancel()
			return CheckoutPending, nil
		},
	}
	releaser := &stubReleaser{}
	o := NewOrchestrator(gateway, releaser, NewMemoryInbox(), fastOptions()...)

	attempt, err := o.Process(ctx, chargeRequest())
	if KindOf(err) != Canceled {
		t.Fatalf("expected canceled got %v", err)
	}
	if attempt.State != StateFailed {
		t.Fatalf("expected FAILED got %s", attempt.State)
	}
	if releaser.calls.Load() != 0 {
		t.Fatalf("expected no release")
	}
}

func TestOrchestratorSelectsFirstReader(t *testing.T) {
	t.Parallel()

	var charged string
	gateway := &stubGateway{
		listReaders: func(context.Context) ([]ReaderInfo, error) {
			return []ReaderInfo{{ID: "rdr_a"}, {ID: "rdr_b"}}, nil
		},
		charge: func(_ context.Context, readerID string, _ decimal.Decimal, _ string) (string, error) {
			charged = readerID
			return "tx_1", nil
		},
	}
	o := NewOrchestrator(gateway, &stubReleaser{}, inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"}), fastOptions()...)

	attempt, err := o.Process(context.Background(), ChargeRequest{Amount: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if charged != "rdr_a" || attempt.ReaderID != "rdr_a" {
		t.Fatalf("expected first reader, charged %q attempt %q", charged, attempt.ReaderID)
	}
}

func TestOrchestratorRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(&stubGateway{}, &stubReleaser{}, NewMemoryInbox())
	_, err := o.Start(context.Background(), ChargeRequest{Amount: decimal.NewFromInt(-1)}, nil)
	if !errors.Is(err, NewPreconditionError(InvalidRequest, "")) {
		t.Fatalf("expected invalid_request got %v", err)
	}
	if o.Current() != nil {
		t.Fatalf("expected no attempt to be recorded")
	}
}

type stubLocker struct {
	mu       sync.Mutex
	keys     []string
	ttls     []time.Duration
	unlocked int
	err      error
}

func (l *stubLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, key)
	l.ttls = append(l.ttls, ttl)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.unlocked++
	}, nil
}

func TestOrchestratorLocksReader(t *testing.T) {
	t.Parallel()

	locker := &stubLocker{}
	o := NewOrchestrator(&stubGateway{}, &stubReleaser{}, inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"}), fastOptions(WithLocker(locker, time.Minute))...)
	if _, err := o.Process(context.Background(), chargeRequest()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.keys) != 1 || locker.keys[0] != "reader:rdr_1" || locker.unlocked != 1 {
		t.Fatalf("unexpected lock usage keys=%v unlocked=%d", locker.keys, locker.unlocked)
	}

	busy := &stubLocker{err: NewError(Busy, "reader_locked", "reader is in use")}
	o = NewOrchestrator(&stubGateway{}, &stubReleaser{}, NewMemoryInbox(), fastOptions(WithLocker(busy, 0))...)
	if _, err := o.Process(context.Background(), chargeRequest()); KindOf(err) != Busy {
		t.Fatalf("expected busy got %v", err)
	}
}

func TestOrchestratorLeaseCoversAttempt(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		opts []OrchestratorOption
		ttl  time.Duration
		want time.Duration
	}{
		"derived from timeouts": {
			ttl:  0,
			want: time.Second + time.Second + 3*callTimeout + 5*sideEffectTimeout + lockMargin,
		},
		"long status timeout": {
			opts: []OrchestratorOption{WithStatusTimeout(5 * time.Minute)},
			ttl:  time.Minute,
			want: 5*time.Minute + time.Second + 3*callTimeout + 5*sideEffectTimeout + lockMargin,
		},
		"configured minimum": {
			ttl:  time.Hour,
			want: time.Hour,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			locker := &stubLocker{}
			opts := append(fastOptions(tc.opts...), WithLocker(locker, tc.ttl))
			o := NewOrchestrator(&stubGateway{}, &stubReleaser{}, inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"}), opts...)
			if _, err := o.Process(context.Background(), chargeRequest()); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			locker.mu.Lock()
			defer locker.mu.Unlock()
			if len(locker.ttls) != 1 || locker.ttls[0] != tc.want {
				t.Fatalf("expected lease %s got %v", tc.want, locker.ttls)
			}
		})
	}
}

func TestOrchestratorRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	o := NewOrchestrator(&stubGateway{}, &stubReleaser{}, inboxWith(t, "", PaymentRecord{PaymentID: "p1", Secret: "s1"}), fastOptions(WithTracerProvider(tp))...)
	if _, err := o.Process(context.Background(), chargeRequest()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"pos.Orchestrator.Process", "pos.Orchestrator.charge", "pos.Orchestrator.awaitPaid", "pos.Orchestrator.awaitToken", "pos.Orchestrator.release"} {
		if !names[want] {
			t.Fatalf("missing span %s in %v", want, names)
		}
	}
}
