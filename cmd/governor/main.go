// Package main wires together the ingest governor service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/api"
	"github.com/brightquery/ingest-governor/internal/audit"
	"github.com/brightquery/ingest-governor/internal/breaker"
	"github.com/brightquery/ingest-governor/internal/clock/system"
	"github.com/brightquery/ingest-governor/internal/config"
	"github.com/brightquery/ingest-governor/internal/fetch"
	"github.com/brightquery/ingest-governor/internal/gate"
	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/governor"
	"github.com/brightquery/ingest-governor/internal/logging"
	"github.com/brightquery/ingest-governor/internal/publisher"
	memorypublisher "github.com/brightquery/ingest-governor/internal/publisher/memory"
	pubsubpublisher "github.com/brightquery/ingest-governor/internal/publisher/pubsub"
	"github.com/brightquery/ingest-governor/internal/ratelimit"
	"github.com/brightquery/ingest-governor/internal/registry"
	"github.com/brightquery/ingest-governor/internal/retry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	reg := registry.New(cfg.SeedRules(), logger.Named("registry"))
	robots := gate.NewRobotsCache(cfg.RobotsTTL(), cfg.Gate.UserAgent, clock, logger.Named("robots"))
	complianceGate, err := gate.New(gate.Config{
		AllowedPorts:        cfg.Gate.AllowedPorts,
		MaxRequestBytes:     cfg.Gate.MaxRequestBytes,
		MaxURLLength:        cfg.Gate.MaxURLLength,
		AllowedContentTypes: cfg.Gate.AllowedContentTypes,
		DeniedCIDRs:         cfg.Gate.DeniedCIDRs,
	}, reg, robots, nil, logger.Named("gate"))
	if err != nil {
		logger.Fatal("compliance gate init failed", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultMinDelay:  cfg.DefaultMinDelay(),
		DefaultHourlyCap: cfg.Limiter.DefaultHourlyCap,
	}, reg, complianceGate, clock)

	eventSink := newEventSink(ctx, cfg, clock, logger)
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.BreakerCooldown(),
	}, clock, eventSink.onTransition, logger.Named("breaker"))

	policies := retry.DefaultPolicies()
	for category, policy := range cfg.RetryPolicies() {
		policies[category] = policy
	}
	history := governance.NewAttemptHistory(time.Hour, clock)
	controller := retry.NewController(policies, breakers, history, clock, logger.Named("retry"))

	var auditStore governance.AuditStore
	if cfg.DB.DSN != "" {
		store, err := audit.NewStore(ctx, audit.StoreConfig{DSN: cfg.DB.DSN})
		if err != nil {
			logger.Fatal("audit store init failed", zap.Error(err))
		}
		defer store.Close()
		auditStore = store
	}

	gov := governor.New(complianceGate, breakers, limiter, controller,
		&auditSink{store: auditStore, events: eventSink}, clock, logger.Named("governor"))
	fetcher := fetch.New(fetch.Config{
		UserAgent:    cfg.Gate.UserAgent,
		MaxBodyBytes: cfg.Gate.MaxRequestBytes,
	})

	apiServer := api.NewServer(reg, breakers, limiter, gov, fetcher, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	eventSink.stop()
	logger.Info("shutdown complete")
}

// eventSink publishes circuit transitions to the configured transport.
type eventSink struct {
	pub    governance.Publisher
	topic  string
	clock  governance.Clock
	logger *zap.Logger
	closer func()
}

func newEventSink(ctx context.Context, cfg config.Config, clock governance.Clock, logger *zap.Logger) *eventSink {
	sink := &eventSink{
		topic:  cfg.PubSub.TopicName,
		clock:  clock,
		logger: logger.Named("events"),
		closer: func() {},
	}
	if cfg.PubSub.ProjectID == "" {
		sink.pub = memorypublisher.New()
		return sink
	}
	client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		sink.logger.Warn("pubsub client init failed; events stay in memory", zap.Error(err))
		sink.pub = memorypublisher.New()
		return sink
	}
	pub := pubsubpublisher.New(client)
	sink.pub = pub
	sink.closer = func() {
		pub.Stop()
		if err := client.Close(); err != nil {
			sink.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	return sink
}

func (s *eventSink) onTransition(operationKey string, from, to governance.CircuitStateName) {
	event := publisher.NewCircuitTransitionEvent(operationKey, string(from), string(to), s.clock.Now())
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.pub.Publish(pubCtx, s.topic, event); err != nil {
		s.logger.Warn("publish circuit transition failed",
			zap.String("operation_key", operationKey), zap.Error(err))
	}
}

func (s *eventSink) onDenial(req governance.Request, decision governance.ComplianceDecision, at time.Time) {
	event := publisher.NewComplianceDenialEvent(req.URL, req.OperationKey, decision.BlockingReasons, at)
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.pub.Publish(pubCtx, s.topic, event); err != nil {
		s.logger.Warn("publish compliance denial failed",
			zap.String("url", req.URL), zap.Error(err))
	}
}

func (s *eventSink) stop() {
	s.closer()
}

// auditSink forwards terminal outcomes to the audit store and mirrors
// denials onto the event stream. The store may be nil when no DSN is
// configured.
type auditSink struct {
	store  governance.AuditStore
	events *eventSink
}

func (a *auditSink) RecordDenial(ctx context.Context, req governance.Request, decision governance.ComplianceDecision, at time.Time) error {
	a.events.onDenial(req, decision, at)
	if a.store == nil {
		return nil
	}
	return a.store.RecordDenial(ctx, req, decision, at)
}

func (a *auditSink) RecordExhaustion(ctx context.Context, req governance.Request, attempts int, lastErr string, at time.Time) error {
	if a.store == nil {
		return nil
	}
	return a.store.RecordExhaustion(ctx, req, attempts, lastErr, at)
}
