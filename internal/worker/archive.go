package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/outbox-relay/internal/repository"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
)

// OutboxArchiveWorker moves delivered outbox rows older than the retention
// window into outbox_events_archive so the live table stays small.
type OutboxArchiveWorker struct {
	repo      repository.OutboxRepository
	retention time.Duration
	interval  time.Duration
	logger    *logger.Logger
	now       func() time.Time
}

func NewOutboxArchiveWorker(repo repository.OutboxRepository, retention, interval time.Duration, logger *logger.Logger) *OutboxArchiveWorker {
	return &OutboxArchiveWorker{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

func (w *OutboxArchiveWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Archive(ctx); err != nil {
				w.logger.Error(err, "Failed to archive outbox events")
			}
		}
	}
}

func (w *OutboxArchiveWorker) Archive(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.retention)

	rows, err := w.repo.ArchiveDeliveredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive outbox events: %w", err)
	}

	if rows > 0 {
		w.logger.Info("Archived delivered outbox events", "count", rows, "cutoff", cutoff.Format(time.RFC3339))
	}
	return rows, nil
}
