// Package chat records chat messages and emoji reactions for the active broadcast.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/metrics"
	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/realtime"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/apperr"
)

const (
	maxMessageLength = 2000
	defaultSessionID = "default"
)

// Store is the persistence the chat service needs.
type Store interface {
	store.ChatStore
	FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error)
	IncrementStat(ctx context.Context, id string, field store.StatField, delta int64) error
}

// Publisher pushes chat events to connected clients.
type Publisher interface {
	Publish(sessionID string, event string, payload interface{})
}

// Options tune paging. Zero values fall back to defaults.
type Options struct {
	PageDefault int
	PageMax     int
	ReactionCap int
	Publisher   Publisher
	Now         func() time.Time
}

// Service handles chat and reactions.
type Service struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// NewService creates a chat service.
func NewService(st Store, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageDefault <= 0 {
		opts.PageDefault = 50
	}
	if opts.PageMax <= 0 {
		opts.PageMax = 200
	}
	if opts.ReactionCap <= 0 {
		opts.ReactionCap = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: st, opts: opts, logger: logger}
}

// SendInput carries either a text message or an emoji, never both.
type SendInput struct {
	SessionID       string
	ParticipantID   string
	ParticipantName string
	Message         string
	Emoji           string
	Type            string
}

// SendResult holds whichever record was created. StatsUpdated is false when
// the record was stored but the session counter could not be incremented.
type SendResult struct {
	Kind         string              `json:"kind"` // "message" or "reaction"
	Message      *models.ChatMessage `json:"message,omitempty"`
	Reaction     *models.Reaction    `json:"reaction,omitempty"`
	StatsUpdated bool                `json:"statsUpdated"`
}

// Send appends a chat message or a reaction to an active session and bumps its counter.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	text := strings.TrimSpace(in.Message)
	emoji := strings.TrimSpace(in.Emoji)
	switch {
	case text == "" && emoji == "":
		return nil, apperr.BadRequest("message or emoji is required")
	case text != "" && emoji != "":
		return nil, apperr.BadRequest("send either message or emoji, not both")
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return nil, apperr.BadRequest("message is too long")
	}
	msgType := models.ChatMessageType(strings.TrimSpace(in.Type))
	if msgType == "" {
		msgType = models.ChatTypeMessage
	}
	if !msgType.Valid() {
		return nil, apperr.BadRequest("type must be message, system or announcement")
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, apperr.BadRequest("sessionId is required")
	}

	if sessionID == defaultSessionID {
		sessionID = ""
	}
	session, err := s.store.FindActiveSession(ctx, sessionID)
	if err != nil {
		return nil, store.AppError(err, "broadcast is not active")
	}

	name := strings.TrimSpace(in.ParticipantName)
	if name == "" {
		name = "Anonymous"
	}
	now := s.opts.Now().UTC()

	if emoji != "" {
		r := &models.Reaction{
			ID:              uuid.New().String(),
			SessionID:       session.ID,
			ParticipantID:   in.ParticipantID,
			ParticipantName: name,
			Emoji:           emoji,
			Timestamp:       now,
		}
		if err := s.store.InsertReaction(ctx, r); err != nil {
			return nil, store.AppError(err, "")
		}
		updated := s.bump(ctx, session.ID, store.StatReactions)
		metrics.ChatSends.WithLabelValues("reaction").Inc()
		s.publish(session.ID, realtime.EventReaction, r)
		return &SendResult{Kind: "reaction", Reaction: r, StatsUpdated: updated}, nil
	}

	m := &models.ChatMessage{
		ID:              uuid.New().String(),
		SessionID:       session.ID,
		ParticipantID:   in.ParticipantID,
		ParticipantName: name,
		Message:         text,
		Type:            msgType,
		Timestamp:       now,
	}
	if err := s.store.InsertChatMessage(ctx, m); err != nil {
		return nil, store.AppError(err, "")
	}
	updated := s.bump(ctx, session.ID, store.StatChatMessages)
	metrics.ChatSends.WithLabelValues("message").Inc()
	s.publish(session.ID, realtime.EventChatMessage, m)
	return &SendResult{Kind: "message", Message: m, StatsUpdated: updated}, nil
}

// bump increments a session counter and reports whether the write landed.
// The record is already stored, so a failure is flagged on the result.
func (s *Service) bump(ctx context.Context, sessionID string, field store.StatField) bool {
	if err := s.store.IncrementStat(ctx, sessionID, field, 1); err != nil {
		metrics.StatWriteFailures.WithLabelValues(string(field)).Inc()
		s.logger.Warn("increment stat failed",
			zap.String("session_id", sessionID),
			zap.String("field", string(field)),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Service) publish(sessionID, event string, payload interface{}) {
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(sessionID, event, payload)
	}
}

// ListResult is a page of chat plus the latest reactions.
type ListResult struct {
	Messages  []models.ChatMessage `json:"messages"`
	Reactions []models.Reaction    `json:"reactions"`
	Total     int64                `json:"total"`
	Limit     int                  `json:"limit"`
	Offset    int                  `json:"offset"`
}

// List returns a page of non-deleted messages in chronological order, the
// most recent reactions, and the total message count.
func (s *Service) List(ctx context.Context, sessionID string, limit, offset int) (*ListResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperr.BadRequest("sessionId is required")
	}
	if offset < 0 {
		return nil, apperr.BadRequest("offset must not be negative")
	}
	if limit <= 0 {
		limit = s.opts.PageDefault
	}
	if limit > s.opts.PageMax {
		limit = s.opts.PageMax
	}
	sessionID, err := s.resolve(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return &ListResult{Messages: []models.ChatMessage{}, Reactions: []models.Reaction{}, Limit: limit, Offset: offset}, nil
	}
	if err != nil {
		return nil, store.AppError(err, "")
	}

	messages, err := s.store.ListChatMessages(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, store.AppError(err, "")
	}
	// newest first from storage, displayed oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	reactions, err := s.store.ListReactions(ctx, sessionID, s.opts.ReactionCap)
	if err != nil {
		return nil, store.AppError(err, "")
	}
	total, err := s.store.CountChatMessages(ctx, sessionID)
	if err != nil {
		return nil, store.AppError(err, "")
	}
	return &ListResult{Messages: messages, Reactions: reactions, Total: total, Limit: limit, Offset: offset}, nil
}

// Delete soft-deletes a message. Authorization is enforced by the caller.
func (s *Service) Delete(ctx context.Context, messageID, sessionID string) error {
	messageID = strings.TrimSpace(messageID)
	sessionID = strings.TrimSpace(sessionID)
	if messageID == "" || sessionID == "" {
		return apperr.BadRequest("messageId and sessionId are required")
	}
	sessionID, err := s.resolve(ctx, sessionID)
	if err != nil {
		return store.AppError(err, "message not found")
	}
	if err := s.store.SoftDeleteChatMessage(ctx, sessionID, messageID, s.opts.Now().UTC()); err != nil {
		return store.AppError(err, "message not found")
	}
	s.publish(sessionID, realtime.EventChatDeleted, map[string]string{"messageId": messageID})
	return nil
}

// resolve maps the "default" alias to the active session's id.
func (s *Service) resolve(ctx context.Context, sessionID string) (string, error) {
	if sessionID != defaultSessionID {
		return sessionID, nil
	}
	session, err := s.store.FindActiveSession(ctx, "")
	if err != nil {
		return "", err
	}
	return session.ID, nil
}
