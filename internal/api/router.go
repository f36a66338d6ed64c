// Package api is the HTTP surface of the terminal service: the host register
// drives tenders through it and providers post callbacks to it.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teur/pos"
	"github.com/teur/pos/internal/telemetry"
)

// ReaderStatusSource is implemented by gateways that report live reader state.
type ReaderStatusSource interface {
	GetReaderStatus(ctx context.Context, readerID string) (pos.ReaderStatus, error)
}

// Deps are the collaborators the router serves.
type Deps struct {
	Gateway      pos.ReaderGateway
	Orchestrator *pos.Orchestrator
	Tenders      *pos.TenderRegistry
	Deliverer    pos.TokenDeliverer
	Callbacks    http.Handler
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

type server struct {
	deps Deps

	mu   sync.Mutex
	last *outcome
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{deps: deps}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/health", s.health)

	r.GET("/readers", s.listReaders)
	if _, ok := deps.Gateway.(ReaderStatusSource); ok {
		r.GET("/readers/:id/status", s.readerStatus)
	}
	r.GET("/tenders", s.listTenders)

	payments := r.Group("/payments")
	{
		payments.POST("", s.startPayment)
		payments.GET("/current", s.currentPayment)
		payments.GET("/last", s.lastPayment)
		payments.POST("/cancel", s.cancelPayment)
	}

	r.POST("/nfc", s.readTag)
	if deps.Callbacks != nil {
		r.POST("/callbacks/checkout", gin.WrapH(deps.Callbacks))
	}
	return r
}
