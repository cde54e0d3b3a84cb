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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/outbox-relay/internal/bootstrap"
	"github.com/jwalitptl/outbox-relay/internal/config"
	"github.com/jwalitptl/outbox-relay/internal/email"
	"github.com/jwalitptl/outbox-relay/internal/handler/health"
	"github.com/jwalitptl/outbox-relay/internal/repository/postgres"
	"github.com/jwalitptl/outbox-relay/internal/router"
	archiveWorker "github.com/jwalitptl/outbox-relay/internal/worker"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
	"github.com/jwalitptl/outbox-relay/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := bootstrap.NewLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal(err, "Failed to apply schema")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("outbox", "worker", reg)

	base := postgres.NewBaseRepository(db)
	outboxRepo := postgres.NewOutboxRepository(base)

	consumers, err := bootstrap.NewConsumers(ctx, cfg, bootstrap.Stores{
		DB:        &base,
		Processed: postgres.NewProcessedEventRepository(base),
		Ledger:    postgres.NewLedgerRepository(base),
	}, log, m)
	if err != nil {
		log.Fatal(err, "Failed to set up consumers")
	}
	defer consumers.Close()

	var opts []worker.Option
	if cfg.SMTP.Enabled() {
		opts = append(opts, worker.WithNotifier(
			email.NewDeadLetterAlerter(email.NewSMTPService(cfg.SMTP), cfg.SMTP.AlertTo, log)))
	}

	outboxWorker := worker.NewOutboxWorker(outboxRepo, consumers.Bus, worker.OutboxWorkerConfig{
		BatchSize:           cfg.Outbox.BatchSize,
		PollInterval:        cfg.Outbox.PollInterval,
		MaxBackoff:          cfg.Outbox.MaxBackoff,
		StaleClaimThreshold: cfg.Outbox.StaleClaimThreshold,
		StaleSweepInterval:  cfg.Outbox.StaleSweepInterval,
		RetryBudget:         cfg.Outbox.RetryBudget,
		FailureLogMilestone: cfg.Outbox.FailureLogMilestone,
	}, log, m, opts...)

	healthOpts := []health.Option{health.WithWorker(outboxWorker)}
	if consumers.Broker != nil {
		healthOpts = append(healthOpts, health.WithCheck("redis", consumers.Broker.Ping))
	}
	r := router.NewRouter(log, nil,
		health.NewHandler(&base, outboxRepo, cfg.Outbox.DegradedAfter, log, m, healthOpts...),
		router.RouterConfig{MetricsPrefix: "outbox_worker_http", Registerer: reg, Gatherer: reg})
	r.Setup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.HealthPort),
		Handler:           r.Engine(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Health server failed")
		}
	}()

	if cfg.Archive.Enabled {
		archiver := archiveWorker.NewOutboxArchiveWorker(outboxRepo, cfg.Archive.Retention, cfg.Archive.Interval, log)
		go archiver.Start(ctx)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- outboxWorker.Run(ctx)
	}()
	log.Info("Outbox worker started",
		"batch_size", cfg.Outbox.BatchSize,
		"poll_interval", cfg.Outbox.PollInterval.String(),
		"health_port", cfg.Worker.HealthPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down worker", "signal", sig.String())
	case err := <-runErr:
		if err != nil {
			log.Error(err, "Outbox worker exited")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := outboxWorker.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Outbox worker did not stop in time")
	}
	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Health server forced to shutdown")
	}
	log.Info("Worker exited")
}
