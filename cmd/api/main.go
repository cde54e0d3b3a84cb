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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/outbox-relay/internal/bootstrap"
	"github.com/jwalitptl/outbox-relay/internal/config"
	deadLetterHandler "github.com/jwalitptl/outbox-relay/internal/handler/deadletter"
	"github.com/jwalitptl/outbox-relay/internal/handler/health"
	tenderHandler "github.com/jwalitptl/outbox-relay/internal/handler/tender"
	"github.com/jwalitptl/outbox-relay/internal/middleware"
	"github.com/jwalitptl/outbox-relay/internal/repository/postgres"
	"github.com/jwalitptl/outbox-relay/internal/router"
	deadLetterService "github.com/jwalitptl/outbox-relay/internal/service/deadletter"
	"github.com/jwalitptl/outbox-relay/internal/service/outbox"
	tenderService "github.com/jwalitptl/outbox-relay/internal/service/tender"
	"github.com/jwalitptl/outbox-relay/pkg/auth"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
)

func main() {
	mintToken := flag.String("mint-token", "", "print an operator token for the given name and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := bootstrap.NewLogger(cfg.Log)

	if cfg.Auth.Secret == "" {
		log.Fatal(errors.New("auth.secret is empty"), "Refusing to start without a signing secret")
	}
	jwtService := auth.NewJWTService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	if *mintToken != "" {
		token, err := jwtService.GenerateOperatorToken(*mintToken)
		if err != nil {
			log.Fatal(err, "Failed to mint operator token")
		}
		fmt.Println(token)
		return
	}

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
	m := metrics.NewMetrics("outbox", "api", reg)

	base := postgres.NewBaseRepository(db)
	outboxRepo := postgres.NewOutboxRepository(base)
	ledgerRepo := postgres.NewLedgerRepository(base)

	// Dead-letter replay runs consumers in this process, so the API needs
	// the same subscriptions as the worker.
	consumers, err := bootstrap.NewConsumers(ctx, cfg, bootstrap.Stores{
		DB:        &base,
		Processed: postgres.NewProcessedEventRepository(base),
		Ledger:    ledgerRepo,
	}, log, m)
	if err != nil {
		log.Fatal(err, "Failed to set up consumers")
	}
	defer consumers.Close()

	writer := outbox.NewWriter(&base, outboxRepo, postgres.NewIdempotencyRepository(base), log)
	tenderSvc := tenderService.NewService(writer, postgres.NewTenderRepository(base), ledgerRepo, log)
	deadLetterSvc := deadLetterService.NewService(
		postgres.NewDeadLetterRepository(base),
		consumers.Bus,
		cfg.RateLimit.ReplaysPerSecond,
		log,
		m,
	)

	var healthOpts []health.Option
	if consumers.Broker != nil {
		healthOpts = append(healthOpts, health.WithCheck("redis", consumers.Broker.Ping))
	}

	r := router.NewRouter(
		log,
		middleware.NewAuthMiddleware(jwtService),
		health.NewHandler(&base, outboxRepo, cfg.Outbox.DegradedAfter, log, m, healthOpts...),
		router.RouterConfig{
			RateLimit:     rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:     cfg.RateLimit.Burst,
			MetricsPrefix: "outbox_api_http",
			Registerer:    reg,
			Gatherer:      reg,
		},
		deadLetterHandler.NewHandler(deadLetterSvc),
		tenderHandler.NewHandler(tenderSvc),
	)
	r.Setup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Engine(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Failed to start server")
		}
	}()
	log.Info("Operator API listening", "port", cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}

	log.Info("Server exited properly")
}
