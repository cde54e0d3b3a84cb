// Package deadletter is the operator side of the dead-letter queue: listing,
// replaying and resolving consumer failures.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
	apperrors "github.com/jwalitptl/outbox-relay/pkg/errors"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
	"github.com/jwalitptl/outbox-relay/pkg/validator"
)

const (
	DefaultPageSize = 50
	MaxBatchSize    = 500

	// ResolvedByReplay is recorded as the resolver of a successful replay.
	ResolvedByReplay = "replay"
)

var (
	ErrAlreadyResolved        = errors.New("dead letter is already resolved")
	ErrResolutionNoteRequired = errors.New("financial dead letters require a resolution note")
	ErrEmptyBatch             = errors.New("either ids or event_type is required")
)

// Deliverer re-runs one consumer for an event. *event.Bus satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, consumer string, env event.Envelope) error
}

type DeadLetterServicer interface {
	List(ctx context.Context, filter model.DeadLetterFilter) (*model.DeadLetterPage, error)
	Get(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error)
	Retry(ctx context.Context, id uuid.UUID) (*RetryResult, error)
	RetryBatch(ctx context.Context, req RetryBatchRequest) (*BatchResult, error)
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, note string) (*model.DeadLetterEvent, error)
}

// RetryResult describes one replay. A failed replay is not an error of the
// call: the record stays unresolved with its retry count incremented.
type RetryResult struct {
	ID         uuid.UUID `json:"id"`
	EventID    uuid.UUID `json:"event_id"`
	Consumer   string    `json:"consumer"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
}

type RetryBatchRequest struct {
	IDs       []uuid.UUID `json:"ids" validate:"omitempty,max=500"`
	EventType string      `json:"event_type" validate:"omitempty,max=128"`
	Limit     int         `json:"limit" validate:"omitempty,min=1,max=500"`
}

type BatchResult struct {
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []*RetryResult `json:"results"`
}

type Service struct {
	repo      repository.DeadLetterRepository
	bus       Deliverer
	limiter   *rate.Limiter
	validator validator.Validator
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewService paces batch replays at replaysPerSecond. Zero or less means
// unpaced.
func NewService(
	repo repository.DeadLetterRepository,
	bus Deliverer,
	replaysPerSecond float64,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Service {
	limit := rate.Inf
	if replaysPerSecond > 0 {
		limit = rate.Limit(replaysPerSecond)
	}
	return &Service{
		repo:      repo,
		bus:       bus,
		limiter:   rate.NewLimiter(limit, 1),
		validator: validator.New(),
		logger:    logger,
		metrics:   metrics,
	}
}

func (s *Service) List(ctx context.Context, filter model.DeadLetterFilter) (*model.DeadLetterPage, error) {
	if err := s.validator.Validate(filter); err != nil {
		return nil, apperrors.NewBadRequest(err.Error(), err)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, apperrors.NewBadRequest("to must not be before from", nil)
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Status == "" {
		filter.Status = model.DeadLetterUnresolved
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return &model.DeadLetterPage{
		Items:  items,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error) {
	rec, err := s.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("dead letter", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return rec, nil
}

// Retry replays the recorded payload to the consumer that failed. Success
// resolves the record.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*RetryResult, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Resolved() {
		return nil, apperrors.NewConflict(ErrAlreadyResolved.Error(), ErrAlreadyResolved)
	}
	return s.replay(ctx, rec)
}

func (s *Service) replay(ctx context.Context, rec *model.DeadLetterEvent) (*RetryResult, error) {
	result := &RetryResult{
		ID:         rec.ID,
		EventID:    rec.EventID,
		Consumer:   rec.ConsumerName,
		RetryCount: rec.RetryCount,
	}

	env := event.Envelope{
		ID:        rec.ID,
		EventID:   rec.EventID,
		TenantID:  rec.TenantID,
		Type:      rec.EventType,
		Payload:   rec.Payload,
		CreatedAt: rec.FailedAt,
		Attempts:  rec.RetryCount,
	}

	if deliverErr := s.bus.Deliver(ctx, rec.ConsumerName, env); deliverErr != nil {
		s.metrics.DeadLetterReplays.WithLabelValues(rec.ConsumerName, "failed").Inc()
		if err := s.repo.RecordRetryFailure(ctx, rec.ID, deliverErr.Error()); err != nil {
			return nil, fmt.Errorf("failed to record replay failure: %w", err)
		}
		s.logger.Warn("Dead-letter replay failed",
			"dead_letter_id", rec.ID.String(),
			"event_id", rec.EventID.String(),
			"consumer", rec.ConsumerName,
			"error", deliverErr.Error())
		result.Error = deliverErr.Error()
		result.RetryCount++
		return result, nil
	}

	note := fmt.Sprintf("replayed after %d failed replay(s)", rec.RetryCount)
	err := s.repo.Resolve(ctx, rec.ID, ResolvedByReplay, &note)
	if errors.Is(err, repository.ErrAlreadyResolved) {
		// Resolved concurrently; the consumer is idempotent so the replay was harmless.
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve replayed dead letter: %w", err)
	}

	s.metrics.DeadLetterReplays.WithLabelValues(rec.ConsumerName, "succeeded").Inc()
	s.logger.Info("Dead-letter replay succeeded",
		"dead_letter_id", rec.ID.String(),
		"event_id", rec.EventID.String(),
		"consumer", rec.ConsumerName)
	result.Succeeded = true
	return result, nil
}

// RetryBatch replays the given ids, or the oldest unresolved records of one
// event type. Already resolved or missing ids are reported as failures.
func (s *Service) RetryBatch(ctx context.Context, req RetryBatchRequest) (*BatchResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.NewBadRequest(err.Error(), err)
	}
	if len(req.IDs) == 0 && req.EventType == "" {
		return nil, apperrors.NewBadRequest(ErrEmptyBatch.Error(), ErrEmptyBatch)
	}

	records, missing, err := s.batchRecords(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{Results: make([]*RetryResult, 0, len(records)+len(missing))}
	out.Results = append(out.Results, missing...)
	out.Failed = len(missing)

	for _, rec := range records {
		if err := s.limiter.Wait(ctx); err != nil {
			return out, err
		}
		res, err := s.replay(ctx, rec)
		if err != nil {
			return out, err
		}
		out.Attempted++
		if res.Succeeded {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

func (s *Service) batchRecords(ctx context.Context, req RetryBatchRequest) ([]*model.DeadLetterEvent, []*RetryResult, error) {
	if len(req.IDs) == 0 {
		limit := req.Limit
		if limit <= 0 {
			limit = DefaultPageSize
		}
		items, _, err := s.repo.List(ctx, model.DeadLetterFilter{
			EventType: req.EventType,
			Status:    model.DeadLetterUnresolved,
			Limit:     limit,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list dead letters: %w", err)
		}
		return items, nil, nil
	}

	found, err := s.repo.GetMany(ctx, req.IDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get dead letters: %w", err)
	}
	byID := make(map[uuid.UUID]*model.DeadLetterEvent, len(found))
	for _, rec := range found {
		byID[rec.ID] = rec
	}

	var records []*model.DeadLetterEvent
	var skipped []*RetryResult
	seen := make(map[uuid.UUID]bool, len(req.IDs))
	for _, id := range req.IDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		rec, ok := byID[id]
		switch {
		case !ok:
			skipped = append(skipped, &RetryResult{ID: id, Error: "dead letter not found"})
		case rec.Resolved():
			skipped = append(skipped, &RetryResult{ID: id, EventID: rec.EventID, Consumer: rec.ConsumerName, Error: ErrAlreadyResolved.Error()})
		default:
			records = append(records, rec)
		}
	}
	return records, skipped, nil
}

// Resolve closes a record without replaying it. Financial event types are
// never discarded silently, so they need a note.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, note string) (*model.DeadLetterEvent, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Resolved() {
		return nil, apperrors.NewConflict(ErrAlreadyResolved.Error(), ErrAlreadyResolved)
	}

	note = strings.TrimSpace(note)
	if events.IsFinancial(rec.EventType) && note == "" {
		return nil, apperrors.NewBadRequest(ErrResolutionNoteRequired.Error(), ErrResolutionNoteRequired)
	}
	if resolvedBy == "" {
		resolvedBy = "operator"
	}

	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	err = s.repo.Resolve(ctx, id, resolvedBy, notePtr)
	if errors.Is(err, repository.ErrAlreadyResolved) {
		return nil, apperrors.NewConflict(ErrAlreadyResolved.Error(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dead letter: %w", err)
	}

	s.logger.Info("Dead letter resolved manually",
		"dead_letter_id", id.String(),
		"event_type", rec.EventType,
		"consumer", rec.ConsumerName,
		"resolved_by", resolvedBy)

	return s.Get(ctx, id)
}
