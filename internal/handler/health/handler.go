package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/metrics"
	"github.com/jwalitptl/outbox-relay/pkg/worker"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"

	checkTimeout = 2 * time.Second
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type StatsSource interface {
	PendingStats(ctx context.Context) (*model.OutboxStats, error)
}

// WorkerStatus is implemented by *worker.OutboxWorker.
type WorkerStatus interface {
	Status() worker.Status
}

type Check func(ctx context.Context) error

type Option func(*Handler)

// WithWorker adds the in-process worker's state to /health/outbox.
func WithWorker(w WorkerStatus) Option {
	return func(h *Handler) { h.worker = w }
}

// WithCheck adds a named dependency to the readiness probe.
func WithCheck(name string, check Check) Option {
	return func(h *Handler) {
		h.checks = append(h.checks, namedCheck{name: name, check: check})
	}
}

type namedCheck struct {
	name  string
	check Check
}

type Handler struct {
	db            Pinger
	stats         StatsSource
	degradedAfter time.Duration
	worker        WorkerStatus
	checks        []namedCheck
	logger        *logger.Logger
	metrics       *metrics.Metrics
}

type OutboxHealth struct {
	Status                  string         `json:"status"`
	PendingCount            int64          `json:"pending_count"`
	OldestPendingAgeSeconds float64        `json:"oldest_pending_age_seconds"`
	ConsecutiveErrors       int            `json:"consecutive_errors"`
	Worker                  *worker.Status `json:"worker,omitempty"`
	Error                   string         `json:"error,omitempty"`
}

func NewHandler(db Pinger, stats StatsSource, degradedAfter time.Duration, logger *logger.Logger, metrics *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		db:            db,
		stats:         stats,
		degradedAfter: degradedAfter,
		logger:        logger,
		metrics:       metrics,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
		health.GET("/outbox", h.OutboxCheck)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": StatusOK})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("readiness check failed", "dependency", "database", "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": StatusDown,
			"reason": "database unavailable",
		})
		return
	}
	for _, nc := range h.checks {
		if err := nc.check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", nc.name, "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": StatusDown,
				"reason": nc.name + " unavailable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusOK})
}

// OutboxCheck reports the unclaimed backlog. It answers 503 when the oldest
// unclaimed row has waited longer than the degraded threshold.
func (h *Handler) OutboxCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	body := OutboxHealth{Status: StatusOK}
	if h.worker != nil {
		st := h.worker.Status()
		body.Worker = &st
		body.ConsecutiveErrors = st.ConsecutiveErrors
	}

	stats, err := h.stats.PendingStats(ctx)
	if err != nil {
		h.logger.Error(err, "failed to read outbox stats")
		body.Status = StatusDown
		body.Error = "outbox stats unavailable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	body.PendingCount = stats.PendingCount
	body.OldestPendingAgeSeconds = stats.OldestPendingAge.Seconds()
	if h.metrics != nil {
		h.metrics.OutboxPending.Set(float64(stats.PendingCount))
		h.metrics.OutboxOldestPendingAge.Set(body.OldestPendingAgeSeconds)
	}

	if stats.OldestPendingAge > h.degradedAfter {
		body.Status = StatusDegraded
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
