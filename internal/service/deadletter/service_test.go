package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository/memstore"
	apperrors "github.com/jwalitptl/outbox-relay/pkg/errors"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
)

type flakyConsumer struct {
	mu     sync.Mutex
	fail   error
	events []uuid.UUID
}

func (c *flakyConsumer) handle(ctx context.Context, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.events = append(c.events, evt.EventID)
	return nil
}

type fixture struct {
	store    *memstore.Store
	service  *Service
	consumer *flakyConsumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := events.NewRegistry()
	require.NoError(t, err)
	bus := event.NewBus(reg)
	c := &flakyConsumer{}
	require.NoError(t, bus.Subscribe(events.TypeTenderRecorded, "accounting.postTender", c.handle))

	store := memstore.New()
	return &fixture{
		store:    store,
		service:  NewService(store.DeadLetterRepo(), bus, 0, logger.Nop(), metrics.NewForTest()),
		consumer: c,
	}
}

func (f *fixture) seed(eventType, consumer string, failedAt time.Time) model.DeadLetterEvent {
	payload, _ := json.Marshal(events.TenderRecordedV1{TenderID: uuid.New(), TenantID: "T", AmountCents: 100, Currency: "USD", Method: "cash"})
	rec := model.DeadLetterEvent{
		ID:           uuid.New(),
		EventID:      uuid.New(),
		TenantID:     "T",
		EventType:    eventType,
		ConsumerName: consumer,
		Payload:      payload,
		ErrorMessage: "ledger unavailable",
		FailedAt:     failedAt,
	}
	f.store.AddDeadLetter(rec)
	return rec
}

func TestList_DefaultsAndFilters(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	older := f.seed(events.TypeTenderRecorded, "accounting.postTender", now.Add(-time.Hour))
	newer := f.seed(events.TypeTenderRecorded, "accounting.postTender", now)
	f.seed("inventory.adjusted.v1", "notifications.fanout", now)
	resolved := f.seed(events.TypeTenderRecorded, "accounting.postTender", now)
	_, err := f.service.Resolve(context.Background(), resolved.ID, "alice", "posted by hand")
	require.NoError(t, err)

	page, err := f.service.List(context.Background(), model.DeadLetterFilter{EventType: events.TypeTenderRecorded})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, page.Limit)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, newer.ID, page.Items[0].ID)
	assert.Equal(t, older.ID, page.Items[1].ID)

	from := now.Add(-time.Minute)
	page, err = f.service.List(context.Background(), model.DeadLetterFilter{From: &from, Status: model.DeadLetterAll})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = f.service.List(context.Background(), model.DeadLetterFilter{Status: model.DeadLetterResolved})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, resolved.ID, page.Items[0].ID)
}

func TestList_RejectsInvalidFilter(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.List(context.Background(), model.DeadLetterFilter{Status: "pending"})
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))

	from := time.Now()
	to := from.Add(-time.Hour)
	_, err = f.service.List(context.Background(), model.DeadLetterFilter{From: &from, To: &to})
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))
}

func TestRetry_SuccessResolves(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(events.TypeTenderRecorded, "accounting.postTender", time.Now())

	res, err := f.service.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, []uuid.UUID{rec.EventID}, f.consumer.events)

	got, err := f.service.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, ResolvedByReplay, *got.ResolvedBy)

	_, err = f.service.Retry(context.Background(), rec.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestRetry_FailureKeepsRecordOpen(t *testing.T) {
	f := newFixture(t)
	f.consumer.fail = errors.New("ledger still unavailable")
	rec := f.seed(events.TypeTenderRecorded, "accounting.postTender", time.Now().Add(-time.Hour))

	res, err := f.service.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, 1, res.RetryCount)
	assert.Contains(t, res.Error, "still unavailable")

	got, err := f.service.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved())
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "ledger still unavailable", got.ErrorMessage)
}

func TestRetry_UnknownConsumerFails(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(events.TypeTenderRecorded, "billing.removed", time.Now())

	res, err := f.service.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.Error, "unknown consumer")
}

func TestRetry_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Retry(context.Background(), uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRetryBatch_ByIDs(t *testing.T) {
	f := newFixture(t)
	a := f.seed(events.TypeTenderRecorded, "accounting.postTender", time.Now())
	b := f.seed(events.TypeTenderRecorded, "accounting.postTender", time.Now())
	done := f.seed(events.TypeTenderRecorded, "accounting.postTender", time.Now())
	_, err := f.service.Retry(context.Background(), done.ID)
	require.NoError(t, err)

	res, err := f.service.RetryBatch(context.Background(), RetryBatchRequest{IDs: []uuid.UUID{a.ID, b.ID, done.ID, uuid.New()}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Results, 4)
}

func TestRetryBatch_ByEventType(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(events.TypeTenderRecorded, "accounting.postTender", time.Now())
	}
	f.seed("inventory.adjusted.v1", "notifications.fanout", time.Now())

	res, err := f.service.RetryBatch(context.Background(), RetryBatchRequest{EventType: events.TypeTenderRecorded, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)

	page, err := f.service.List(context.Background(), model.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestRetryBatch_RequiresSelection(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.RetryBatch(context.Background(), RetryBatchRequest{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))
}

func TestResolve_FinancialRequiresNote(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(events.TypeTenderRecorded, "accounting.postTender", time.Now())

	_, err := f.service.Resolve(context.Background(), rec.ID, "alice", "   ")
	assert.ErrorIs(t, err, ErrResolutionNoteRequired)

	got, err := f.service.Resolve(context.Background(), rec.ID, "alice", "refunded out of band")
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	assert.Equal(t, "alice", *got.ResolvedBy)
	assert.Equal(t, "refunded out of band", *got.ResolutionNote)

	_, err = f.service.Resolve(context.Background(), rec.ID, "alice", "again")
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestResolve_NonFinancialWithoutNote(t *testing.T) {
	f := newFixture(t)
	rec := f.seed("inventory.adjusted.v1", "notifications.fanout", time.Now())

	got, err := f.service.Resolve(context.Background(), rec.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "operator", *got.ResolvedBy)
	assert.Nil(t, got.ResolutionNote)
}
