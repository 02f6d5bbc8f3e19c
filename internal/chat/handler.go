package chat

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/pkg/response"
)

// SendRequest is the body for POST /broadcast/chat.
type SendRequest struct {
	SessionID       string `json:"sessionId"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	Message         string `json:"message"`
	Emoji           string `json:"emoji"`
	Type            string `json:"type"`
}

// Handler handles chat HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a chat handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// List handles GET /broadcast/chat?sessionId=&limit=&offset=.
func (h *Handler) List(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		response.BadRequest(c, "invalid limit")
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		response.BadRequest(c, "invalid offset")
		return
	}
	res, err := h.svc.List(c.Request.Context(), c.Query("sessionId"), limit, offset)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, res)
}

// Send handles POST /broadcast/chat.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.Send(c.Request.Context(), SendInput(req))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, res)
}

// Delete handles DELETE /broadcast/chat?messageId=&sessionId= (moderators only).
func (h *Handler) Delete(c *gin.Context) {
	messageID := c.Query("messageId")
	if err := h.svc.Delete(c.Request.Context(), messageID, c.Query("sessionId")); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"messageId": messageID, "deleted": true})
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
