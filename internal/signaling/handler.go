package signaling

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/pkg/response"
)

// SendRequest is the body for POST /stream/:id/webrtc/signaling.
type SendRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	From    string          `json:"from"`
	To      string          `json:"to"`
}

// Handler serves the signaling mailbox over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a signaling handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Send handles POST /stream/:id/webrtc/signaling.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	msg, err := h.svc.Send(c.Request.Context(), SendInput{
		SessionID: c.Param("id"),
		Type:      req.Type,
		Payload:   req.Payload,
		From:      req.From,
		To:        req.To,
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, msg)
}

// Poll handles GET /stream/:id/webrtc/signaling?peerId=.
func (h *Handler) Poll(c *gin.Context) {
	res, err := h.svc.Poll(c.Request.Context(), c.Param("id"), c.Query("peerId"))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, res)
}
