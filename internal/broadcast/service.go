// Package broadcast implements the live session lifecycle: start, pause,
// resume and stop, heartbeats with the stale-session sweep, and participant
// registration.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/metrics"
	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/realtime"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/apperr"
)

// StaleReason is recorded on sessions ended by the sweep.
const StaleReason = "Automatic cleanup - no heartbeat"

const (
	defaultHostName   = "Host"
	defaultStaleAfter = 2 * time.Hour
	defaultSessionID  = "default"
)

// Publisher pushes session events to connected clients.
type Publisher interface {
	Publish(sessionID string, event string, payload interface{})
}

// Archiver schedules the transcript export of an ended session.
type Archiver interface {
	EnqueueArchive(ctx context.Context, sessionID string) error
}

// Options tune the service. Zero values fall back to defaults.
type Options struct {
	StaleAfter    time.Duration
	SweepOnStatus bool
	ShareLink     func(sessionID string) string
	Publisher     Publisher
	Archiver      Archiver
	Now           func() time.Time
}

// Service owns the session state machine.
type Service struct {
	store  store.SessionStore
	opts   Options
	logger *zap.Logger
}

// NewService creates a broadcast service over st.
func NewService(st store.SessionStore, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.ShareLink == nil {
		opts.ShareLink = func(id string) string { return "/live/" + id }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: st, opts: opts, logger: logger}
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func (s *Service) publish(sessionID, event string, payload interface{}) {
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(sessionID, event, payload)
	}
}

// normalizeSessionID maps the "default" alias to the any-active-session selector.
func normalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == defaultSessionID {
		return ""
	}
	return id
}

func newSessionID() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "live-" + id, nil
}

// StartInput is the payload of Start.
type StartInput struct {
	Title       string
	Description string
	HostName    string
	Settings    *models.SettingsPatch
}

// StartResult reports the active session and whether it predates the call.
type StartResult struct {
	Session    *models.BroadcastSession `json:"session"`
	IsExisting bool                     `json:"isExisting"`
}

// Start creates the active session, or returns the one already active.
func (s *Service) Start(ctx context.Context, callerID string, in StartInput) (*StartResult, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.BadRequest("title is required")
	}
	if callerID == "" {
		return nil, apperr.BadRequest("caller id is required")
	}

	existing, err := s.store.FindActiveSession(ctx, "")
	if err == nil {
		return &StartResult{Session: existing, IsExisting: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, store.AppError(err, "")
	}

	id, err := newSessionID()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	hostName := strings.TrimSpace(in.HostName)
	if hostName == "" {
		hostName = defaultHostName
	}
	now := s.now()
	settings := in.Settings.Apply(models.DefaultSettings())
	host := models.Participant{
		ID:               callerID,
		Name:             hostName,
		IsHost:           true,
		UserType:         models.UserTypeHost,
		JoinedAt:         now,
		LastSeen:         now,
		Permissions:      models.PermissionsFor(models.UserTypeHost, settings),
		ConnectionStatus: models.ConnectionConnected,
		MediaStatus:      models.MediaStatus{Video: true, Audio: true},
	}
	session := &models.BroadcastSession{
		ID:           id,
		Title:        title,
		Description:  strings.TrimSpace(in.Description),
		HostID:       callerID,
		ShareLink:    s.opts.ShareLink(id),
		IsActive:     true,
		StartedAt:    now,
		LastActivity: now,
		Heartbeat:    &now,
		Participants: []models.Participant{host},
		Settings:     settings,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	out, created, err := s.store.CreateActiveSession(ctx, session)
	if err != nil {
		return nil, store.AppError(err, "")
	}
	if created {
		metrics.SessionsStarted.Inc()
		s.logger.Info("broadcast started", zap.String("session_id", out.ID), zap.String("host_id", callerID))
		s.publish(out.ID, realtime.EventBroadcastStarted, out)
	}
	return &StartResult{Session: out, IsExisting: !created}, nil
}

// Pause pauses the caller's live session.
func (s *Service) Pause(ctx context.Context, sessionID, callerID string) (*models.BroadcastSession, error) {
	return s.setPaused(ctx, sessionID, callerID, true)
}

// Resume resumes the caller's paused session.
func (s *Service) Resume(ctx context.Context, sessionID, callerID string) (*models.BroadcastSession, error) {
	return s.setPaused(ctx, sessionID, callerID, false)
}

func (s *Service) setPaused(ctx context.Context, sessionID, callerID string, paused bool) (*models.BroadcastSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperr.BadRequest("sessionId is required")
	}
	sessionID, err := s.resolveAlias(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session, err := s.store.SetPaused(ctx, sessionID, callerID, paused, s.now())
	if err != nil {
		if paused {
			return nil, store.AppError(err, "no live session owned by caller")
		}
		return nil, store.AppError(err, "no paused session owned by caller")
	}

	event := realtime.EventBroadcastResumed
	if paused {
		event = realtime.EventBroadcastPaused
	}
	s.logger.Info("broadcast state changed", zap.String("session_id", sessionID), zap.String("event", event))
	s.publish(sessionID, event, session)
	return session, nil
}

// StopResult reports how many sessions were ended.
type StopResult struct {
	Stopped    int      `json:"stopped"`
	SessionIDs []string `json:"sessionIds"`
}

// Stop ends sessionID, or every active session when it is empty.
// The "default" alias ends only the current active session.
func (s *Service) Stop(ctx context.Context, sessionID string) (*StopResult, error) {
	sessionID, err := s.resolveAlias(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	ended, err := s.store.EndSessions(ctx, store.EndFilter{ID: sessionID, At: s.now()})
	if err != nil {
		return nil, store.AppError(err, "no active broadcast")
	}
	if len(ended) == 0 {
		return nil, apperr.NotFound("no active broadcast to stop")
	}
	s.afterEnd(ctx, ended, "stop")
	return &StopResult{Stopped: len(ended), SessionIDs: ended}, nil
}

// resolveAlias replaces the "default" alias with the id of the active session.
func (s *Service) resolveAlias(ctx context.Context, sessionID string) (string, error) {
	if sessionID != defaultSessionID {
		return sessionID, nil
	}
	session, err := s.store.FindActiveSession(ctx, "")
	if err != nil {
		return "", store.AppError(err, "no active broadcast")
	}
	return session.ID, nil
}

func (s *Service) afterEnd(ctx context.Context, ended []string, reason string) {
	for _, id := range ended {
		metrics.SessionsEnded.WithLabelValues(reason).Inc()
		s.logger.Info("broadcast ended", zap.String("session_id", id), zap.String("reason", reason))
		s.publish(id, realtime.EventBroadcastEnded, map[string]string{"sessionId": id, "reason": reason})
		if s.opts.Archiver == nil {
			continue
		}
		if err := s.opts.Archiver.EnqueueArchive(ctx, id); err != nil {
			s.logger.Warn("enqueue archive failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// SessionStats are the computed numbers shown with the status.
type SessionStats struct {
	ParticipantCount      int   `json:"participantCount"`
	ConnectedParticipants int   `json:"connectedParticipants"`
	UptimeSeconds         int64 `json:"uptimeSeconds"`
	ChatMessages          int64 `json:"chatMessages"`
	Reactions             int64 `json:"reactions"`
	TotalViewers          int64 `json:"totalViewers"`
}

// StatusResult describes the current broadcast, if any.
type StatusResult struct {
	IsActive bool                     `json:"isActive"`
	State    models.SessionState      `json:"state,omitempty"`
	Session  *models.BroadcastSession `json:"session,omitempty"`
	Stats    *SessionStats            `json:"stats,omitempty"`
	Health   models.StreamHealth      `json:"health,omitempty"`
}

// Status returns the active session with computed stats. Stale sessions are
// swept first when SweepOnStatus is set.
func (s *Service) Status(ctx context.Context) (*StatusResult, error) {
	if s.opts.SweepOnStatus {
		if _, err := s.SweepStale(ctx); err != nil {
			s.logger.Warn("lazy stale sweep failed", zap.Error(err))
		}
	}

	session, err := s.store.FindActiveSession(ctx, "")
	if errors.Is(err, store.ErrNotFound) {
		return &StatusResult{IsActive: false}, nil
	}
	if err != nil {
		return nil, store.AppError(err, "")
	}

	uptime := s.now().Sub(session.StartedAt)
	return &StatusResult{
		IsActive: true,
		State:    session.State(),
		Session:  session,
		Stats: &SessionStats{
			ParticipantCount:      len(session.Participants),
			ConnectedParticipants: session.ConnectedCount(),
			UptimeSeconds:         int64(uptime / time.Second),
			ChatMessages:          session.Stats.ChatMessages,
			Reactions:             session.Stats.Reactions,
			TotalViewers:          session.Stats.TotalViewers,
		},
		Health: models.HealthForUptime(uptime),
	}, nil
}

// HeartbeatResult reports which session was refreshed.
type HeartbeatResult struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	// Fallback is set when the requested id did not match and another active session was used.
	Fallback bool `json:"fallback"`
}

// Heartbeat refreshes liveness of sessionID, or of any active session when
// the id is empty or does not match one.
func (s *Service) Heartbeat(ctx context.Context, sessionID string) (*HeartbeatResult, error) {
	sessionID = normalizeSessionID(sessionID)
	now := s.now()

	if sessionID != "" {
		id, err := s.store.TouchSession(ctx, sessionID, now)
		if err == nil {
			metrics.Heartbeats.WithLabelValues("ok").Inc()
			return &HeartbeatResult{SessionID: id, Timestamp: now}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, store.AppError(err, "")
		}
	}

	id, err := s.store.TouchSession(ctx, "", now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.Heartbeats.WithLabelValues("not_found").Inc()
		}
		return nil, store.AppError(err, "no active broadcast")
	}
	fallback := sessionID != ""
	if fallback {
		metrics.Heartbeats.WithLabelValues("fallback").Inc()
		s.logger.Debug("heartbeat matched fallback session", zap.String("requested", sessionID), zap.String("session_id", id))
	} else {
		metrics.Heartbeats.WithLabelValues("ok").Inc()
	}
	return &HeartbeatResult{SessionID: id, Timestamp: now, Fallback: fallback}, nil
}

// SweepStale ends every active session whose heartbeat or last activity is
// older than the staleness window, or that never sent a heartbeat.
func (s *Service) SweepStale(ctx context.Context) ([]string, error) {
	now := s.now()
	cutoff := now.Add(-s.opts.StaleAfter)
	ended, err := s.store.EndSessions(ctx, store.EndFilter{StaleBefore: &cutoff, Reason: StaleReason, At: now})
	if err != nil {
		return nil, store.AppError(err, "")
	}
	if len(ended) > 0 {
		s.logger.Info("stale broadcasts ended", zap.Strings("session_ids", ended))
		s.afterEnd(ctx, ended, "stale")
	}
	return ended, nil
}

// JoinInput is the payload of Join.
type JoinInput struct {
	SessionID   string
	DisplayName string
	UserType    string
}

// JoinResult summarizes the session after a join.
type JoinResult struct {
	ParticipantID    string             `json:"participantId"`
	Participant      models.Participant `json:"participant"`
	SessionID        string             `json:"sessionId"`
	Title            string             `json:"title"`
	ShareLink        string             `json:"shareLink"`
	ParticipantCount int                `json:"participantCount"`
}

// Join appends a participant to the active session. Every call creates a new
// participant entry, including repeated joins under the same name.
func (s *Service) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return nil, apperr.BadRequest("displayName is required")
	}
	userType := models.UserType(strings.ToLower(strings.TrimSpace(in.UserType)))
	if userType == "" {
		userType = models.UserTypeViewer
	}
	if !userType.Valid() {
		return nil, apperr.BadRequest("userType must be viewer or participant")
	}
	if userType == models.UserTypeHost {
		return nil, apperr.BadRequest("cannot join as host")
	}

	session, err := s.store.FindActiveSession(ctx, normalizeSessionID(in.SessionID))
	if err != nil {
		return nil, store.AppError(err, "no active broadcast to join")
	}

	now := s.now()
	p := models.Participant{
		ID:               uuid.New().String(),
		Name:             name,
		UserType:         userType,
		JoinedAt:         now,
		LastSeen:         now,
		Permissions:      models.PermissionsFor(userType, session.Settings),
		ConnectionStatus: models.ConnectionConnected,
	}
	updated, err := s.store.AppendParticipant(ctx, session.ID, p, now)
	if err != nil {
		return nil, store.AppError(err, "no active broadcast to join")
	}

	metrics.Joins.WithLabelValues(string(userType)).Inc()
	res := &JoinResult{
		ParticipantID:    p.ID,
		Participant:      p,
		SessionID:        updated.ID,
		Title:            updated.Title,
		ShareLink:        updated.ShareLink,
		ParticipantCount: len(updated.Participants),
	}
	s.publish(updated.ID, realtime.EventParticipantJoined, map[string]interface{}{
		"participant":      p,
		"participantCount": res.ParticipantCount,
	})
	return res, nil
}

// ParticipantUpdateInput changes a participant's presence. Empty fields are left alone.
type ParticipantUpdateInput struct {
	ConnectionStatus string
	Media            *models.MediaStatus
}

// UpdateParticipant records a presence change. Leaving is a status change to
// disconnected; participants are never removed.
func (s *Service) UpdateParticipant(ctx context.Context, sessionID, participantID string, in ParticipantUpdateInput) (*models.Participant, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, apperr.BadRequest("participantId is required")
	}
	var u store.ParticipantUpdate
	if in.ConnectionStatus != "" {
		status := models.ConnectionStatus(in.ConnectionStatus)
		if !status.Valid() {
			return nil, apperr.BadRequest("connectionStatus must be connected, connecting or disconnected")
		}
		u.ConnectionStatus = &status
	}
	u.Media = in.Media
	if u.ConnectionStatus == nil && u.Media == nil {
		return nil, apperr.BadRequest("nothing to update")
	}

	id, err := s.ResolveActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.UpdateParticipant(ctx, id, participantID, u, s.now())
	if err != nil {
		return nil, store.AppError(err, "participant not found in active broadcast")
	}
	s.publish(id, realtime.EventParticipantUpdated, p)
	return p, nil
}

// ResolveActive returns the id of the active session sessionID refers to.
// Empty and "default" refer to whichever session is active.
func (s *Service) ResolveActive(ctx context.Context, sessionID string) (string, error) {
	session, err := s.store.FindActiveSession(ctx, normalizeSessionID(sessionID))
	if err != nil {
		return "", store.AppError(err, "no active broadcast")
	}
	return session.ID, nil
}
