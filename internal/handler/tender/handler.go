package tender

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/outbox-relay/internal/handler"
	"github.com/jwalitptl/outbox-relay/internal/model"
	tenderService "github.com/jwalitptl/outbox-relay/internal/service/tender"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 255
)

type Handler struct {
	service tenderService.TenderServicer
}

func NewHandler(service tenderService.TenderServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	tenders := r.Group("/tenants/:tenant_id/tenders")
	{
		tenders.POST("", h.RecordTender)
		tenders.GET("/:id", h.GetTender)
	}
}

type tenderResponse struct {
	*model.Tender
	LedgerEntries []*model.LedgerEntry `json:"ledger_entries"`
}

// RecordTender answers 201 for a new tender and 200 with the original
// tender when the Idempotency-Key was already used for the same body.
func (h *Handler) RecordTender(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" || len(key) > maxIdempotencyKeyLength {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("a valid Idempotency-Key header is required"))
		return
	}

	var req tenderService.RecordTenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body: "+err.Error()))
		return
	}
	req.TenantID = c.Param("tenant_id")
	req.ClientRequestID = key

	tender, replayed, err := h.service.RecordTender(c.Request.Context(), req)
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	if replayed {
		c.Header(HeaderReplayed, "true")
		c.JSON(http.StatusOK, handler.NewSuccessResponse(tender))
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(tender))
}

func (h *Handler) GetTender(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid tender ID"))
		return
	}
	tenantID := c.Param("tenant_id")

	tender, err := h.service.GetTender(c.Request.Context(), tenantID, id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	entries, err := h.service.ListLedgerEntries(c.Request.Context(), tenantID, id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if entries == nil {
		entries = []*model.LedgerEntry{}
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(tenderResponse{Tender: tender, LedgerEntries: entries}))
}
