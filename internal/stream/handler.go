package stream

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/pkg/response"
)

// ActionRequest is the body for POST /stream/:id.
type ActionRequest struct {
	Action  string          `json:"action" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	From    string          `json:"from"`
	To      string          `json:"to"`
}

// Handler serves stream descriptors.
type Handler struct {
	builder *Builder
	logger  *zap.Logger
}

// NewHandler creates a stream handler.
func NewHandler(builder *Builder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{builder: builder, logger: logger}
}

// Describe handles GET /stream/:id.
func (h *Handler) Describe(c *gin.Context) {
	d, err := h.builder.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, d)
}

// Dispatch handles POST /stream/:id.
func (h *Handler) Dispatch(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := h.builder.Dispatch(c.Request.Context(), c.Param("id"), Action{
		Action:  req.Action,
		Payload: req.Payload,
		From:    req.From,
		To:      req.To,
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, out)
}
