package tender

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/outbox-relay/internal/consumer"
	"github.com/jwalitptl/outbox-relay/internal/consumer/accounting"
	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository/memstore"
	"github.com/jwalitptl/outbox-relay/internal/service/outbox"
	tenderService "github.com/jwalitptl/outbox-relay/internal/service/tender"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
	"github.com/jwalitptl/outbox-relay/pkg/worker"
)

type testEnv struct {
	store  *memstore.Store
	router *gin.Engine
	worker *worker.OutboxWorker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memstore.New()
	log := logger.Nop()

	reg, err := events.NewRegistry()
	require.NoError(t, err)
	bus := event.NewBus(reg)
	dedup := consumer.NewDedup(store, store.Processed())
	require.NoError(t, consumer.Register(bus, accounting.NewPostTender(dedup, store.Ledger(), log)))

	writer := outbox.NewWriter(store, store.Outbox(), store.Idempotency(), log)
	svc := tenderService.NewService(writer, store.TenderRepo(), store.Ledger(), log)

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/api/v1"))

	return &testEnv{
		store:  store,
		router: r,
		worker: worker.NewOutboxWorker(store.Outbox(), bus, worker.OutboxWorkerConfig{
			BatchSize:           10,
			PollInterval:        100 * time.Millisecond,
			MaxBackoff:          time.Second,
			StaleClaimThreshold: 30 * time.Second,
			StaleSweepInterval:  10 * time.Second,
			RetryBudget:         5,
		}, log, metrics.NewForTest()),
	}
}

func (e *testEnv) post(tenant, key string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/"+tenant+"/tenders", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, data interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, data))
}

var validBody = map[string]interface{}{"amount_cents": 1500, "currency": "eur", "method": "card"}

func TestRecordTender_CreatesThenReplays(t *testing.T) {
	env := newTestEnv(t)

	w := env.post("T1", "req-1", validBody)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(HeaderReplayed))
	var first model.Tender
	decodeData(t, w, &first)
	assert.Equal(t, "T1", first.TenantID)
	assert.Equal(t, "EUR", first.Currency)

	w = env.post("T1", "req-1", validBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))
	var second model.Tender
	decodeData(t, w, &second)
	assert.Equal(t, first.ID, second.ID)

	assert.Len(t, env.store.Tenders(), 1)
	assert.Len(t, env.store.OutboxEvents(), 1)
}

func TestRecordTender_SameKeyDifferentTenantIsIndependent(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.post("T1", "req-1", validBody).Code)
	require.Equal(t, http.StatusCreated, env.post("T2", "req-1", validBody).Code)
	assert.Len(t, env.store.Tenders(), 2)
}

func TestRecordTender_KeyReuseWithDifferentBody(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.post("T1", "req-1", validBody).Code)
	w := env.post("T1", "req-1", map[string]interface{}{"amount_cents": 9900, "currency": "eur", "method": "card"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRecordTender_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		key  string
		body interface{}
	}{
		{name: "missing key", body: validBody},
		{name: "non-positive amount", key: "k1", body: map[string]interface{}{"amount_cents": 0, "currency": "eur", "method": "card"}},
		{name: "unknown method", key: "k2", body: map[string]interface{}{"amount_cents": 10, "currency": "eur", "method": "barter"}},
		{name: "malformed body", key: "k3", body: "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.post("T1", tt.key, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, env.store.OutboxEvents())
}

func TestGetTender_IncludesLedgerEntriesAfterDelivery(t *testing.T) {
	env := newTestEnv(t)

	w := env.post("T1", "req-1", validBody)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Tender
	decodeData(t, w, &created)

	_, err := env.worker.RunOnce(context.Background())
	require.NoError(t, err)

	w = env.get("/api/v1/tenants/T1/tenders/" + created.ID.String())
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		ID            uuid.UUID           `json:"id"`
		LedgerEntries []model.LedgerEntry `json:"ledger_entries"`
	}
	decodeData(t, w, &got)
	assert.Equal(t, created.ID, got.ID)
	assert.Len(t, got.LedgerEntries, 2)

	w = env.get("/api/v1/tenants/T2/tenders/" + created.ID.String())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.get("/api/v1/tenants/T1/tenders/nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
