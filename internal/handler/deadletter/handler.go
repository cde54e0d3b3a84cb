package deadletter

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/outbox-relay/internal/handler"
	"github.com/jwalitptl/outbox-relay/internal/middleware"
	"github.com/jwalitptl/outbox-relay/internal/model"
	deadLetterService "github.com/jwalitptl/outbox-relay/internal/service/deadletter"
)

type Handler struct {
	service deadLetterService.DeadLetterServicer
}

func NewHandler(service deadLetterService.DeadLetterServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	deadLetters := r.Group("/dead-letters")
	{
		deadLetters.GET("", h.ListDeadLetters)
		deadLetters.POST("/retry", h.RetryBatch)
		deadLetters.GET("/:id", h.GetDeadLetter)
		deadLetters.POST("/:id/retry", h.RetryDeadLetter)
		deadLetters.POST("/:id/resolve", h.ResolveDeadLetter)
	}
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	var filter model.DeadLetterFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid query: "+err.Error()))
		return
	}

	page, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(page))
}

func (h *Handler) GetDeadLetter(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	rec, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rec))
}

// RetryDeadLetter answers 200 whether or not the replay succeeded; the
// outcome is in the body.
func (h *Handler) RetryDeadLetter(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	result, err := h.service.Retry(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}

func (h *Handler) RetryBatch(c *gin.Context) {
	var req deadLetterService.RetryBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body: "+err.Error()))
		return
	}

	result, err := h.service.RetryBatch(c.Request.Context(), req)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}

func (h *Handler) ResolveDeadLetter(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req resolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body: "+err.Error()))
			return
		}
	}

	rec, err := h.service.Resolve(c.Request.Context(), id, c.GetString(middleware.ContextOperator), req.Note)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rec))
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid dead letter ID"))
		return uuid.Nil, false
	}
	return id, true
}
