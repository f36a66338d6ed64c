package pos

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teur/pos/signature"
)

type config struct {
	signatureVerifier     signature.Verifier
	authenticator         Authenticator
	maxClockSkew          time.Duration
	requireSignedRequests bool
	middleware            []Middleware
	logger                *zap.Logger
	clock                 func() time.Time
}

type Middleware func(http.HandlerFunc) http.HandlerFunc

func applyMiddleware(h http.HandlerFunc, middleware ...Middleware) http.HandlerFunc {
	for _, m := range middleware {
		h = m(h)
	}
	return h
}

// Option customizes the callback handler.
type Option func(*config)

// WithSignatureVerifier enables canonical JSON signature enforcement.
func WithSignatureVerifier(verifier signature.Verifier) Option {
	return func(cfg *config) {
		cfg.signatureVerifier = verifier
	}
}

// WithAuthenticator requires a bearer API key on every callback.
func WithAuthenticator(auth Authenticator) Option {
	return func(cfg *config) {
		cfg.authenticator = auth
	}
}

// WithMaxClockSkew sets the tolerated absolute difference between the
// Timestamp header and the server clock when verifying signed requests.
func WithMaxClockSkew(skew time.Duration) Option {
	if skew <= 0 {
		panic("callback: max clock skew must be positive")
	}
	return func(cfg *config) {
		cfg.maxClockSkew = skew
	}
}

// WithRequireSignedRequests enforces that every request carries Signature and
// Timestamp headers when a verifier is configured.
func WithRequireSignedRequests() Option {
	return func(cfg *config) {
		cfg.requireSignedRequests = true
	}
}

// WithMiddleware appends custom middleware in the order provided.
func WithMiddleware(mw ...Middleware) Option {
	return func(cfg *config) {
		for _, m := range mw {
			if m == nil {
				continue
			}
			cfg.middleware = append(cfg.middleware, m)
		}
	}
}

// WithHandlerLogger sets the logger of the callback handler.
func WithHandlerLogger(logger *zap.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// withClock provides deterministic time in tests.
func withClock(fn func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = fn
	}
}

type orchestratorConfig struct {
	logger        *zap.Logger
	tracer        trace.TracerProvider
	pollInterval  time.Duration
	statusTimeout time.Duration
	tokenTimeout  time.Duration
	lockTTL       time.Duration
	journal       Journal
	locker        Locker
	publisher     EventPublisher
	metrics       Metrics
	clock         func() time.Time
	newAttemptID  func() string
}

// OrchestratorOption customizes an [Orchestrator].
type OrchestratorOption func(*orchestratorConfig)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if tp != nil {
			cfg.tracer = tp
		}
	}
}

// WithPollInterval sets how often checkout status is polled.
func WithPollInterval(d time.Duration) OrchestratorOption {
	if d <= 0 {
		panic("orchestrator: poll interval must be positive")
	}
	return func(cfg *orchestratorConfig) {
		cfg.pollInterval = d
	}
}

// WithStatusTimeout bounds how long the reader may take to report PAID.
func WithStatusTimeout(d time.Duration) OrchestratorOption {
	if d <= 0 {
		panic("orchestrator: status timeout must be positive")
	}
	return func(cfg *orchestratorConfig) {
		cfg.statusTimeout = d
	}
}

// WithTokenTimeout bounds how long to wait for the payment record.
func WithTokenTimeout(d time.Duration) OrchestratorOption {
	if d <= 0 {
		panic("orchestrator: token timeout must be positive")
	}
	return func(cfg *orchestratorConfig) {
		cfg.tokenTimeout = d
	}
}

// WithJournal persists attempts and enforces single release per payment.
func WithJournal(j Journal) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		cfg.journal = j
	}
}

// WithLocker serialises attempts per reader across processes. The lease is
// derived from the configured timeouts; ttl, when positive, is a lower bound.
func WithLocker(l Locker, ttl time.Duration) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		cfg.locker = l
		cfg.lockTTL = ttl
	}
}

// WithEventPublisher broadcasts every transition.
func WithEventPublisher(p EventPublisher) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		cfg.publisher = p
	}
}

// WithMetrics records transitions and release latency.
func WithMetrics(m Metrics) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if m != nil {
			cfg.metrics = m
		}
	}
}

// attemptBudget is the longest a locked attempt may run: both bounded waits,
// the charge, a status poll and the release call, plus the side effects
// recorded on each transition.
func (cfg orchestratorConfig) attemptBudget() time.Duration {
	return cfg.statusTimeout + cfg.tokenTimeout + 3*callTimeout + 5*sideEffectTimeout
}

// leaseTTL is how long the reader lock is taken for.
func (cfg orchestratorConfig) leaseTTL() time.Duration {
	return max(cfg.lockTTL, cfg.attemptBudget()+lockMargin)
}

func withOrchestratorClock(fn func() time.Time) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		cfg.clock = fn
	}
}

func withAttemptIDs(fn func() string) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		cfg.newAttemptID = fn
	}
}
