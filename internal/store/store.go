// Package store persists broadcast sessions, chat and signaling mailboxes.
//
// Backend is implemented by a Mongo primary, a local Badger store and a
// Fallback decorator that degrades from the first to the second when the
// primary is unreachable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/pkg/apperr"
)

var (
	// ErrNotFound is returned when no document matched the operation's filter.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable wraps connection-level and timeout failures.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrConflict means a concurrent writer kept the operation from settling.
	// It is retryable but says nothing about backend health.
	ErrConflict = errors.New("store: conflicting concurrent update")
)

// Collection names shared by the backends.
const (
	CollectionBroadcasts = "broadcasts"
	CollectionChat       = "broadcast_chat"
	CollectionReactions  = "broadcast_reactions"
	CollectionSignaling  = "webrtc_signaling"
)

// StatField names a counter under the session's stats document.
type StatField string

const (
	StatChatMessages StatField = "chatMessages"
	StatReactions    StatField = "reactions"
	StatTotalViewers StatField = "totalViewers"
)

// EndFilter selects the active sessions EndSessions terminates.
// With ID set only that session is ended; with StaleBefore set only sessions
// whose heartbeat or last activity predates it (or that lack a heartbeat).
type EndFilter struct {
	ID          string
	StaleBefore *time.Time
	Reason      string
	At          time.Time
}

// ParticipantUpdate changes a participant's presence. Nil fields are left alone.
type ParticipantUpdate struct {
	ConnectionStatus *models.ConnectionStatus
	Media            *models.MediaStatus
}

// SessionStore holds broadcast session documents.
type SessionStore interface {
	// CreateActiveSession inserts s unless an active session exists, in which
	// case the existing one is returned with created=false.
	CreateActiveSession(ctx context.Context, s *models.BroadcastSession) (session *models.BroadcastSession, created bool, err error)
	// FindActiveSession returns the active session id, or any active session when id is empty.
	FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error)
	GetSession(ctx context.Context, id string) (*models.BroadcastSession, error)
	// SetPaused flips isPaused on an active session owned by hostID whose current flag is !paused.
	SetPaused(ctx context.Context, id, hostID string, paused bool, at time.Time) (*models.BroadcastSession, error)
	// EndSessions ends the matching active sessions and returns the ids it ended.
	EndSessions(ctx context.Context, f EndFilter) ([]string, error)
	// TouchSession refreshes heartbeat and lastActivity; empty id matches any active session.
	TouchSession(ctx context.Context, id string, at time.Time) (string, error)
	// AppendParticipant pushes p onto the active session; empty id matches any active session.
	AppendParticipant(ctx context.Context, id string, p models.Participant, at time.Time) (*models.BroadcastSession, error)
	UpdateParticipant(ctx context.Context, id, participantID string, u ParticipantUpdate, at time.Time) (*models.Participant, error)
	IncrementStat(ctx context.Context, id string, field StatField, delta int64) error
}

// ChatStore holds chat messages and reactions.
type ChatStore interface {
	InsertChatMessage(ctx context.Context, m *models.ChatMessage) error
	InsertReaction(ctx context.Context, r *models.Reaction) error
	// ListChatMessages returns non-deleted messages newest first.
	ListChatMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, error)
	CountChatMessages(ctx context.Context, sessionID string) (int64, error)
	// ListReactions returns reactions newest first.
	ListReactions(ctx context.Context, sessionID string, limit int) ([]models.Reaction, error)
	SoftDeleteChatMessage(ctx context.Context, sessionID, messageID string, at time.Time) error
}

// SignalStore is the signaling mailbox.
type SignalStore interface {
	InsertSignal(ctx context.Context, m *models.SignalingMessage) error
	// TakeSignals fetches up to limit of the oldest messages deliverable to
	// peerID and deletes exactly those.
	TakeSignals(ctx context.Context, sessionID, peerID string, limit int) ([]models.SignalingMessage, error)
}

// Backend is the full persistence surface used by the services.
type Backend interface {
	SessionStore
	ChatStore
	SignalStore
	Name() string
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// IsUnavailable reports whether err is a transient storage failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// AppError translates a store error into the caller-facing taxonomy.
// notFound is the message used when nothing matched.
func AppError(err error, notFound string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound(notFound)
	case IsUnavailable(err), errors.Is(err, ErrConflict):
		return apperr.Unavailable(err)
	default:
		return apperr.Internal(err)
	}
}
