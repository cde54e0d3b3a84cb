package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/middleware"
	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository/memstore"
	deadLetterService "github.com/jwalitptl/outbox-relay/internal/service/deadletter"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
)

const consumerName = "accounting.postTender"

type testEnv struct {
	store  *memstore.Store
	router *gin.Engine
	fail   error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := events.NewRegistry()
	require.NoError(t, err)
	bus := event.NewBus(reg)

	env := &testEnv{store: memstore.New()}
	require.NoError(t, bus.Subscribe(events.TypeTenderRecorded, consumerName, func(ctx context.Context, evt event.Event) error {
		return env.fail
	}))

	svc := deadLetterService.NewService(env.store.DeadLetterRepo(), bus, 0, logger.Nop(), metrics.NewForTest())

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Set(middleware.ContextOperator, "alice")
		c.Next()
	})
	NewHandler(svc).RegisterRoutes(api)
	env.router = r
	return env
}

func (e *testEnv) seed(eventType string) model.DeadLetterEvent {
	payload, _ := json.Marshal(events.TenderRecordedV1{TenderID: uuid.New(), TenantID: "T", AmountCents: 100, Currency: "USD", Method: "cash"})
	rec := model.DeadLetterEvent{
		ID:           uuid.New(),
		EventID:      uuid.New(),
		TenantID:     "T",
		EventType:    eventType,
		ConsumerName: consumerName,
		Payload:      payload,
		ErrorMessage: "ledger unavailable",
		FailedAt:     time.Now().UTC(),
	}
	e.store.AddDeadLetter(rec)
	return rec
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestListDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.seed(events.TypeTenderRecorded)
	env.seed(events.TypeTenderRecorded)
	env.seed("inventory.adjusted.v1")

	w := env.do(http.MethodGet, "/api/v1/dead-letters?event_type="+events.TypeTenderRecorded+"&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page model.DeadLetterPage
	decode(t, w, &page)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 10, page.Limit)
	assert.Len(t, page.Items, 2)
}

func TestListDeadLetters_InvalidStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/dead-letters?status=pending", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(events.TypeTenderRecorded)

	w := env.do(http.MethodGet, "/api/v1/dead-letters/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.DeadLetterEvent
	decode(t, w, &got)
	assert.Equal(t, rec.EventID, got.EventID)

	w = env.do(http.MethodGet, "/api/v1/dead-letters/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/dead-letters/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(events.TypeTenderRecorded)

	env.fail = errors.New("ledger still down")
	w := env.do(http.MethodPost, "/api/v1/dead-letters/"+rec.ID.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res deadLetterService.RetryResult
	decode(t, w, &res)
	assert.False(t, res.Succeeded)
	assert.Equal(t, 1, res.RetryCount)

	env.fail = nil
	w = env.do(http.MethodPost, "/api/v1/dead-letters/"+rec.ID.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.True(t, res.Succeeded)

	w = env.do(http.MethodPost, "/api/v1/dead-letters/"+rec.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryBatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.seed(events.TypeTenderRecorded)
	b := env.seed(events.TypeTenderRecorded)
	missing := uuid.New()

	w := env.do(http.MethodPost, "/api/v1/dead-letters/retry", map[string]interface{}{
		"ids": []uuid.UUID{a.ID, b.ID, missing},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res deadLetterService.BatchResult
	decode(t, w, &res)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
}

func TestRetryBatch_RequiresSelector(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/dead-letters/retry", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(events.TypeTenderRecorded)

	w := env.do(http.MethodPost, "/api/v1/dead-letters/"+rec.ID.String()+"/resolve", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "financial dead letters need a note")

	w = env.do(http.MethodPost, "/api/v1/dead-letters/"+rec.ID.String()+"/resolve", map[string]string{"note": "posted manually"})
	require.Equal(t, http.StatusOK, w.Code)

	var got model.DeadLetterEvent
	decode(t, w, &got)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "alice", *got.ResolvedBy)
	require.NotNil(t, got.ResolutionNote)
	assert.Equal(t, "posted manually", *got.ResolutionNote)

	w = env.do(http.MethodPost, "/api/v1/dead-letters/"+rec.ID.String()+"/resolve", map[string]string{"note": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResolveDeadLetter_NonFinancialWithoutNote(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed("inventory.adjusted.v1")

	w := env.do(http.MethodPost, "/api/v1/dead-letters/"+rec.ID.String()+"/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
