package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
)

var ErrWorkerRunning = errors.New("outbox worker is already running")

const maxErrorMessageLen = 2000

// Publisher hands one claimed event to its consumers. *event.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// DeadLetterNotifier is told about every event moved to the dead-letter
// queue. Notification errors are logged and otherwise ignored.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, records []*model.DeadLetterEvent) error
}

type OutboxWorkerConfig struct {
	BatchSize           int
	PollInterval        time.Duration
	MaxBackoff          time.Duration
	StaleClaimThreshold time.Duration
	StaleSweepInterval  time.Duration
	RetryBudget         int
	FailureLogMilestone int
}

// CycleResult counts what one RunOnce call did.
type CycleResult struct {
	Recovered    int64
	Claimed      int
	Delivered    int
	Ignored      int
	Retried      int
	DeadLettered int
}

// Status is a point-in-time view of the worker for health reporting.
type Status struct {
	Running           bool      `json:"running"`
	WorkerID          string    `json:"worker_id"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastCycleAt       time.Time `json:"last_cycle_at"`
	LastSweepAt       time.Time `json:"last_sweep_at"`
	LastError         string    `json:"last_error,omitempty"`
}

type Option func(*OutboxWorker)

func WithClassifier(c RetryClassifier) Option {
	return func(w *OutboxWorker) { w.classifier = c }
}

func WithNotifier(n DeadLetterNotifier) Option {
	return func(w *OutboxWorker) { w.notifier = n }
}

func WithWorkerID(id string) Option {
	return func(w *OutboxWorker) { w.workerID = id }
}

func WithClock(now func() time.Time) Option {
	return func(w *OutboxWorker) { w.now = now }
}

// OutboxWorker claims pending outbox rows, publishes them on the bus outside
// any transaction and records the outcome. Several workers may run against
// the same store; claims never overlap.
type OutboxWorker struct {
	store      repository.OutboxRepository
	bus        Publisher
	config     OutboxWorkerConfig
	logger     *logger.Logger
	metrics    *metrics.Metrics
	classifier RetryClassifier
	notifier   DeadLetterNotifier
	workerID   string
	now        func() time.Time

	backoff *backoff.ExponentialBackOff

	mu                sync.Mutex
	consecutiveErrors int
	lastCycleAt       time.Time
	lastSweepAt       time.Time
	lastErr           error

	runStateMu sync.Mutex
	running    bool
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func NewOutboxWorker(
	store repository.OutboxRepository,
	bus Publisher,
	config OutboxWorkerConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
	opts ...Option,
) *OutboxWorker {
	// Config validation instead of defaults
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.MaxBackoff < config.PollInterval {
		panic("MaxBackoff must not be less than PollInterval")
	}
	if config.StaleClaimThreshold <= 0 {
		panic("StaleClaimThreshold must be greater than 0")
	}
	if config.RetryBudget <= 0 {
		panic("RetryBudget must be greater than 0")
	}
	if config.FailureLogMilestone <= 0 {
		config.FailureLogMilestone = 10
	}

	w := &OutboxWorker{
		store:      store,
		bus:        bus,
		config:     config,
		logger:     logger,
		metrics:    metrics,
		classifier: DefaultClassifier,
		workerID:   uuid.NewString(),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithFields(map[string]interface{}{"worker_id": w.workerID})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.PollInterval
	b.MaxInterval = config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	w.backoff = b

	return w
}

// Run polls until Stop is called or ctx is cancelled. A batch already
// claimed when the worker is stopped is dispatched and reconciled before
// Run returns.
func (w *OutboxWorker) Run(ctx context.Context) error {
	if !w.registerRun() {
		return ErrWorkerRunning
	}
	defer w.clearRun()

	w.logger.Info("Starting outbox worker",
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval.String())
	defer w.logger.Info("Outbox worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		result, err := w.RunOnce(ctx)
		timer.Reset(w.nextDelay(result, err))
	}
}

// Stop signals the loop to exit after the current cycle.
func (w *OutboxWorker) Stop() {
	w.stopOnce.Do(func() {
		w.runStateMu.Lock()
		stop := w.stop
		w.runStateMu.Unlock()
		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (w *OutboxWorker) Shutdown(ctx context.Context) error {
	w.runStateMu.Lock()
	done := w.done
	w.runStateMu.Unlock()

	w.Stop()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox worker shutdown: %w", ctx.Err())
	}
}

func (w *OutboxWorker) registerRun() bool {
	w.runStateMu.Lock()
	defer w.runStateMu.Unlock()

	if w.running {
		return false
	}
	if isClosed(w.stop) {
		w.stop = make(chan struct{})
		w.stopOnce = sync.Once{}
	}
	w.running = true
	w.done = make(chan struct{})
	return true
}

func (w *OutboxWorker) clearRun() {
	w.runStateMu.Lock()
	defer w.runStateMu.Unlock()

	w.running = false
	close(w.done)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// RunOnce performs one cycle: an optional stale-claim sweep, one claim of up
// to BatchSize rows, dispatch and reconcile. The returned error reports a
// failed claim or a failed state update; consumer failures are not errors.
func (w *OutboxWorker) RunOnce(ctx context.Context) (CycleResult, error) {
	timer := prometheus.NewTimer(w.metrics.OutboxCycleLatency)
	defer timer.ObserveDuration()

	var result CycleResult
	err := w.cycle(ctx, &result)
	w.recordCycle(err)
	return result, err
}

func (w *OutboxWorker) cycle(ctx context.Context, result *CycleResult) error {
	if w.sweepDue() {
		n, err := w.store.RecoverStale(ctx, w.config.StaleClaimThreshold)
		w.metrics.ObserveDB("recover_stale_claims", err)
		if err != nil {
			return fmt.Errorf("failed to recover stale claims: %w", err)
		}
		w.mu.Lock()
		w.lastSweepAt = w.now()
		w.mu.Unlock()

		result.Recovered = n
		if n > 0 {
			w.metrics.OutboxStaleRecovered.Add(float64(n))
			w.logger.Warn("Recovered stale outbox claims", "count", n)
		}
	}

	rows, err := w.store.Claim(ctx, w.config.BatchSize)
	w.metrics.ObserveDB("claim_outbox_events", err)
	if err != nil {
		return fmt.Errorf("failed to claim outbox events: %w", err)
	}
	result.Claimed = len(rows)

	// Rows are already marked as claimed. Finish them even if the caller's
	// context is cancelled, otherwise they wait for the stale sweep.
	dctx := context.WithoutCancel(ctx)

	var errs []error
	for _, row := range rows {
		if err := w.process(dctx, row, result); err != nil {
			w.logger.Error(err, "Failed to reconcile outbox event",
				"event_id", row.EventID.String(),
				"event_type", row.EventType)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *OutboxWorker) sweepDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSweepAt.IsZero() || w.now().Sub(w.lastSweepAt) >= w.config.StaleSweepInterval
}

func (w *OutboxWorker) process(ctx context.Context, row *model.OutboxEvent, result *CycleResult) error {
	err := w.bus.Publish(ctx, envelopeOf(row))

	switch {
	case err == nil:
		if err := w.store.MarkDelivered(ctx, row.ID); err != nil {
			w.metrics.ObserveDB("mark_delivered", err)
			return fmt.Errorf("failed to mark event delivered: %w", err)
		}
		w.metrics.ObserveDB("mark_delivered", nil)
		w.metrics.OutboxEventsDelivered.Inc()
		w.metrics.OutboxDeliveryLag.WithLabelValues(row.EventType).Observe(w.now().Sub(row.CreatedAt).Seconds())
		result.Delivered++
		return nil

	case errors.Is(err, event.ErrUnknownEventType):
		w.logger.Warn("Ignoring outbox event with unknown type",
			"event_id", row.EventID.String(),
			"event_type", row.EventType)
		if err := w.store.MarkDelivered(ctx, row.ID); err != nil {
			w.metrics.ObserveDB("mark_delivered", err)
			return fmt.Errorf("failed to mark unknown event delivered: %w", err)
		}
		w.metrics.ObserveDB("mark_delivered", nil)
		w.metrics.OutboxEventsIgnored.Inc()
		result.Ignored++
		return nil
	}

	failures := failuresOf(err)
	if w.retryable(failures) && row.Attempts+1 < w.config.RetryBudget {
		if err := w.store.Unclaim(ctx, row.ID, truncate(err.Error())); err != nil {
			w.metrics.ObserveDB("unclaim", err)
			return fmt.Errorf("failed to unclaim event: %w", err)
		}
		w.metrics.ObserveDB("unclaim", nil)
		w.metrics.OutboxEventsRetried.WithLabelValues(row.EventType).Inc()
		w.logger.Warn("Outbox event delivery failed, will retry",
			"event_id", row.EventID.String(),
			"event_type", row.EventType,
			"attempt", row.Attempts+1,
			"error", err.Error())
		result.Retried++
		return nil
	}

	records := w.deadLetters(row, failures)
	if err := w.store.DeadLetter(ctx, row.ID, records); err != nil {
		w.metrics.ObserveDB("dead_letter", err)
		return fmt.Errorf("failed to dead-letter event: %w", err)
	}
	w.metrics.ObserveDB("dead_letter", nil)
	for _, rec := range records {
		w.metrics.OutboxEventsDeadLettered.WithLabelValues(rec.EventType, rec.ConsumerName).Inc()
		w.logger.Error(errors.New(rec.ErrorMessage), "Outbox event moved to dead-letter queue",
			"event_id", rec.EventID.String(),
			"event_type", rec.EventType,
			"consumer", rec.ConsumerName,
			"attempts", row.Attempts+1)
	}
	result.DeadLettered++

	if w.notifier != nil {
		if err := w.notifier.NotifyDeadLetter(ctx, records); err != nil {
			w.logger.Error(err, "Failed to send dead-letter notification",
				"event_id", row.EventID.String())
		}
	}
	return nil
}

// retryable reports whether any failed consumer might succeed on redelivery.
func (w *OutboxWorker) retryable(failures []event.ConsumerFailure) bool {
	for _, f := range failures {
		if !w.classifier.IsNonRetryable(f.Err) {
			return true
		}
	}
	return false
}

func (w *OutboxWorker) deadLetters(row *model.OutboxEvent, failures []event.ConsumerFailure) []*model.DeadLetterEvent {
	now := w.now().UTC()
	records := make([]*model.DeadLetterEvent, 0, len(failures))
	for _, f := range failures {
		records = append(records, &model.DeadLetterEvent{
			ID:           uuid.New(),
			EventID:      row.EventID,
			TenantID:     row.TenantID,
			EventType:    row.EventType,
			ConsumerName: f.Consumer,
			Payload:      row.Payload,
			ErrorMessage: truncate(f.Err.Error()),
			FailedAt:     now,
		})
	}
	return records
}

// failuresOf splits a publish error into per-consumer failures. Errors that
// do not come from the bus are attributed to a synthetic "publisher" consumer.
func failuresOf(err error) []event.ConsumerFailure {
	var de *event.DispatchError
	if errors.As(err, &de) && len(de.Failures) > 0 {
		return de.Failures
	}
	return []event.ConsumerFailure{{Consumer: "publisher", Err: err}}
}

func envelopeOf(row *model.OutboxEvent) event.Envelope {
	return event.Envelope{
		ID:        row.ID,
		EventID:   row.EventID,
		TenantID:  row.TenantID,
		Type:      row.EventType,
		Payload:   row.Payload,
		CreatedAt: row.CreatedAt,
		Attempts:  row.Attempts,
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorMessageLen {
		return s
	}
	return s[:maxErrorMessageLen]
}

func (w *OutboxWorker) recordCycle(err error) {
	w.mu.Lock()
	w.lastCycleAt = w.now()
	if err == nil {
		w.consecutiveErrors = 0
		w.lastErr = nil
		w.mu.Unlock()
		w.metrics.OutboxConsecutiveErrors.Set(0)
		return
	}
	w.consecutiveErrors++
	w.lastErr = err
	n := w.consecutiveErrors
	w.mu.Unlock()

	w.metrics.OutboxConsecutiveErrors.Set(float64(n))
	if shouldLogFailure(n, w.config.FailureLogMilestone) {
		w.logger.Error(err, "Outbox worker cycle failed", "consecutive_errors", n)
	}
}

// shouldLogFailure limits cycle failure logs to the first failure of a run
// and every milestone-th failure after it.
func shouldLogFailure(consecutive, milestone int) bool {
	return consecutive == 1 || consecutive%milestone == 0
}

// nextDelay is the pause before the next cycle: exponential backoff after a
// failed cycle, none after a non-empty batch, PollInterval when idle.
func (w *OutboxWorker) nextDelay(result CycleResult, err error) time.Duration {
	if err != nil {
		return w.backoff.NextBackOff()
	}
	w.backoff.Reset()
	if result.Claimed > 0 {
		return 0
	}
	return w.config.PollInterval
}

func (w *OutboxWorker) Status() Status {
	w.runStateMu.Lock()
	running := w.running
	w.runStateMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Running:           running,
		WorkerID:          w.workerID,
		ConsecutiveErrors: w.consecutiveErrors,
		LastCycleAt:       w.lastCycleAt,
		LastSweepAt:       w.lastSweepAt,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}
