// Command teur-terminal runs the point-of-sale terminal service: it drives
// card reader payments, reads tEUR tags and releases tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teur/pos"
	"github.com/teur/pos/events"
	"github.com/teur/pos/inbox"
	"github.com/teur/pos/internal/api"
	"github.com/teur/pos/internal/config"
	"github.com/teur/pos/internal/telemetry"
	"github.com/teur/pos/journal"
	"github.com/teur/pos/lock"
	"github.com/teur/pos/metrics"
	"github.com/teur/pos/nfcbus"
	"github.com/teur/pos/release"
	"github.com/teur/pos/signature"
	"github.com/teur/pos/sumup"
)

// tokenStore is satisfied by both the in-memory and the badger inbox.
type tokenStore interface {
	pos.TokenSource
	pos.TokenDeliverer
	pos.RecordSource
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := telemetry.InitTelemetry("teur-terminal", cfg.OTLPEndpoint); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())
	logger := telemetry.Logger

	logger.Info("Starting tEUR terminal", zap.String("terminal_id", cfg.TerminalID))

	ctx := context.Background()

	sumupOpts := []sumup.Option{sumup.WithLogger(logger)}
	if cfg.SumUpAPIURL != "" {
		sumupOpts = append(sumupOpts, sumup.WithBaseURL(cfg.SumUpAPIURL))
	}
	gateway := sumup.NewClient(cfg.SumUpAPIKey, cfg.SumUpMerchantCode, sumupOpts...)
	releaser := release.NewClient(cfg.TEURAPIURL, cfg.TEURAPIKey, release.WithLogger(logger))

	var store tokenStore
	if cfg.InboxPath != "" {
		badgerStore, err := inbox.Open(cfg.InboxPath, inbox.WithLogger(logger))
		if err != nil {
			logger.Fatal("Failed to open token inbox", zap.Error(err))
		}
		defer badgerStore.Close()
		store = badgerStore
	} else {
		store = pos.NewMemoryInbox()
	}

	orchOpts := []pos.OrchestratorOption{
		pos.WithLogger(logger),
		pos.WithTracerProvider(telemetry.TracerProvider()),
	}
	if cfg.PollInterval > 0 {
		orchOpts = append(orchOpts, pos.WithPollInterval(cfg.PollInterval))
	}
	if cfg.StatusTimeout > 0 {
		orchOpts = append(orchOpts, pos.WithStatusTimeout(cfg.StatusTimeout))
	}
	if cfg.TokenTimeout > 0 {
		orchOpts = append(orchOpts, pos.WithTokenTimeout(cfg.TokenTimeout))
	}

	var releases pos.Journal
	if cfg.DatabaseURL != "" {
		pg, err := journal.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		releases = pg
	} else {
		bj, err := journal.OpenBolt(cfg.JournalPath)
		if err != nil {
			logger.Fatal("Failed to open journal", zap.Error(err))
		}
		defer bj.Close()
		releases = bj
	}
	orchOpts = append(orchOpts, pos.WithJournal(releases))

	if cfg.RedisURL != "" {
		client, err := lock.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to configure Redis", zap.Error(err))
		}
		defer client.Close()
		orchOpts = append(orchOpts, pos.WithLocker(lock.NewRedis(client, logger), 0))
	}

	var publishers pos.MultiPublisher
	if cfg.KafkaBrokers != "" {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		publishers = append(publishers, publisher)
	}
	if cfg.WebhookURL != "" {
		hook, err := pos.NewWebhookPublisher(pos.WebhookOptions{Endpoint: cfg.WebhookURL, SecretKey: []byte(cfg.WebhookSecret)})
		if err != nil {
			logger.Fatal("Failed to configure webhook", zap.Error(err))
		}
		publishers = append(publishers, hook)
	}
	if len(publishers) > 0 {
		orchOpts = append(orchOpts, pos.WithEventPublisher(publishers))
	}

	collector, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}
	orchOpts = append(orchOpts, pos.WithMetrics(collector))

	orch := pos.NewOrchestrator(gateway, releaser, store, orchOpts...)

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("teur-terminal-"+cfg.TerminalID))
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		if _, err := nfcbus.NewSubscriber(store, logger).Subscribe(nc, cfg.TerminalID); err != nil {
			logger.Fatal("Failed to subscribe to NFC tags", zap.Error(err))
		}
	}

	callbackOpts := []pos.Option{pos.WithHandlerLogger(logger)}
	if cfg.CallbackSigningKey != "" {
		verifier := signature.HMACVerifier{Key: []byte(cfg.CallbackSigningKey)}
		for _, k := range cfg.CallbackPreviousKeys {
			verifier.Previous = append(verifier.Previous, []byte(k))
		}
		callbackOpts = append(callbackOpts,
			pos.WithSignatureVerifier(verifier),
			pos.WithRequireSignedRequests(),
		)
	}
	if cfg.CallbackAPIKey != "" {
		callbackOpts = append(callbackOpts, pos.WithAuthenticator(pos.StaticKey(cfg.CallbackAPIKey)))
	}

	tenders, err := pos.NewTenderRegistry(
		pos.NewNFCTender(store, releaser, logger, pos.WithReleaseJournal(releases)),
		pos.NewReaderTender(orch),
	)
	if err != nil {
		logger.Fatal("Failed to register tenders", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		Gateway:      gateway,
		Orchestrator: orch,
		Tenders:      tenders,
		Deliverer:    store,
		Callbacks:    pos.NewCallbackHandler(store, callbackOpts...),
		Gatherer:     prometheus.DefaultGatherer,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Terminal service starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down terminal service")
	if orch.Cancel() {
		logger.Warn("Canceled in-flight payment attempt")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}
