package broadcast

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/middleware"
	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/pkg/response"
)

// StartRequest is the body for POST /broadcast/start.
type StartRequest struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	HostName    string                `json:"hostName"`
	Settings    *models.SettingsPatch `json:"settings"`
}

// SessionRequest is the body for pause, resume, stop and heartbeat.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// JoinRequest is the body for POST /broadcast/join.
type JoinRequest struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	UserType    string `json:"userType"`
}

// ParticipantRequest is the body for PATCH /broadcast/participants/:participantId.
type ParticipantRequest struct {
	SessionID        string              `json:"sessionId"`
	ConnectionStatus string              `json:"connectionStatus"`
	MediaStatus      *models.MediaStatus `json:"mediaStatus"`
}

// Handler handles broadcast HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a broadcast handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// bindOptional binds a JSON body that may be absent.
func bindOptional(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "invalid request: "+err.Error())
		return false
	}
	return true
}

// Start handles POST /broadcast/start (admin only).
func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	hostName := req.HostName
	if hostName == "" {
		hostName = middleware.UserName(c)
	}
	res, err := h.svc.Start(c.Request.Context(), middleware.UserID(c), StartInput{
		Title:       req.Title,
		Description: req.Description,
		HostName:    hostName,
		Settings:    req.Settings,
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if res.IsExisting {
		response.OK(c, res)
		return
	}
	response.Created(c, res)
}

// Pause handles POST /broadcast/pause (admin only).
func (h *Handler) Pause(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	session, err := h.svc.Pause(c.Request.Context(), req.SessionID, middleware.UserID(c))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, session)
}

// Resume handles POST /broadcast/resume (admin only).
func (h *Handler) Resume(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	session, err := h.svc.Resume(c.Request.Context(), req.SessionID, middleware.UserID(c))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, session)
}

// Stop handles POST /broadcast/stop (admin only). An empty body stops every active session.
func (h *Handler) Stop(c *gin.Context) {
	var req SessionRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.svc.Stop(c.Request.Context(), req.SessionID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, res)
}

// Status handles GET /broadcast/status.
func (h *Handler) Status(c *gin.Context) {
	res, err := h.svc.Status(c.Request.Context())
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, res)
}

// Heartbeat handles POST /broadcast/heartbeat. The id may come from the body or ?sessionId=.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req SessionRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.Query("sessionId")
	}
	res, err := h.svc.Heartbeat(c.Request.Context(), req.SessionID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, res)
}

// Sweep handles DELETE /broadcast/heartbeat (admin only).
func (h *Handler) Sweep(c *gin.Context) {
	ended, err := h.svc.SweepStale(c.Request.Context())
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"cleaned": len(ended), "sessionIds": ended})
}

// Join handles POST /broadcast/join.
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.Join(c.Request.Context(), JoinInput{
		SessionID:   req.SessionID,
		DisplayName: req.DisplayName,
		UserType:    req.UserType,
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, res)
}

// UpdateParticipant handles PATCH /broadcast/participants/:participantId.
func (h *Handler) UpdateParticipant(c *gin.Context) {
	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.UpdateParticipant(c.Request.Context(), req.SessionID, c.Param("participantId"), ParticipantUpdateInput{
		ConnectionStatus: req.ConnectionStatus,
		Media:            req.MediaStatus,
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, p)
}
