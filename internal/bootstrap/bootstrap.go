// Package bootstrap holds the wiring shared by the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jwalitptl/outbox-relay/internal/config"
	"github.com/jwalitptl/outbox-relay/internal/consumer"
	"github.com/jwalitptl/outbox-relay/internal/consumer/accounting"
	"github.com/jwalitptl/outbox-relay/internal/consumer/notification"
	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/repository"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/messaging/redis"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
)

func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.JSON,
	})
}

// Stores are the repositories the consumers write to.
type Stores struct {
	DB        repository.Transactor
	Processed repository.ProcessedEventRepository
	Ledger    repository.LedgerRepository
}

// Consumers is an event bus with every consumer subscribed. Broker is nil
// when no Redis URL is configured, in which case the fan-out consumer is
// not registered.
type Consumers struct {
	Bus    *event.Bus
	Broker *redis.RedisBroker
}

func (c *Consumers) Close() error {
	if c.Broker == nil {
		return nil
	}
	return c.Broker.Close()
}

// NewConsumers subscribes consumers in a fixed order: accounting first, then
// the broker fan-out.
func NewConsumers(ctx context.Context, cfg *config.Config, stores Stores, log *logger.Logger, m *metrics.Metrics) (*Consumers, error) {
	reg, err := events.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build event registry: %w", err)
	}
	bus := event.NewBus(reg)
	dedup := consumer.NewDedup(stores.DB, stores.Processed)

	registrars := []consumer.Registrar{
		accounting.NewPostTender(dedup, stores.Ledger, log),
	}

	out := &Consumers{Bus: bus}
	if cfg.Redis.URL != "" {
		broker, err := redis.NewRedisBroker(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, log, m)
		if err != nil {
			return nil, err
		}
		out.Broker = broker
		registrars = append(registrars,
			notification.NewFanout(broker, dedup, cfg.Redis.Channel, log, events.TypeTenderRecorded))
	} else {
		log.Warn("Redis URL not configured; broker fan-out disabled")
	}

	if err := consumer.Register(bus, registrars...); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("failed to register consumers: %w", err)
	}
	return out, nil
}
