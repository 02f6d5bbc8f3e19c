// Package signaling relays WebRTC offers, answers and ICE candidates through a
// per-session mailbox that peers poll.
package signaling

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/metrics"
	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/realtime"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/apperr"
)

const defaultSessionID = "default"

// Store is the persistence the relay needs.
type Store interface {
	store.SignalStore
	FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error)
}

// Publisher pushes signaling events to connected clients.
type Publisher interface {
	Publish(sessionID string, event string, payload interface{})
}

// Options tune the relay.
type Options struct {
	Batch     int
	Publisher Publisher
	Now       func() time.Time
}

// Service stores and hands out signaling messages.
type Service struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// NewService creates a signaling relay. Batch defaults to 10.
func NewService(st Store, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Batch <= 0 {
		opts.Batch = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: st, opts: opts, logger: logger}
}

// SendInput is one signaling message. From and To are optional peer ids.
type SendInput struct {
	SessionID string
	Type      string
	Payload   []byte
	From      string
	To        string
}

// Send validates a signaling payload and drops it into the session mailbox.
func (s *Service) Send(ctx context.Context, in SendInput) (*models.SignalingMessage, error) {
	typ := models.SignalType(strings.TrimSpace(in.Type))
	if !typ.Valid() {
		return nil, apperr.BadRequest("type must be offer, answer or candidate")
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return nil, apperr.BadRequest("payload must be valid JSON")
	}
	if err := validatePayload(typ, in.Payload); err != nil {
		return nil, err
	}

	session, err := s.findActive(ctx, in.SessionID)
	if err != nil {
		return nil, store.AppError(err, "broadcast is not active")
	}

	msg := &models.SignalingMessage{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Type:      typ,
		Payload:   in.Payload,
		From:      strings.TrimSpace(in.From),
		To:        strings.TrimSpace(in.To),
		Timestamp: s.opts.Now().UTC(),
	}
	if err := s.store.InsertSignal(ctx, msg); err != nil {
		return nil, store.AppError(err, "")
	}
	metrics.SignalsSent.WithLabelValues(string(typ)).Inc()
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(session.ID, realtime.EventSignaling, msg)
	}
	return msg, nil
}

// PollResult is one batch from the mailbox.
type PollResult struct {
	SessionID string                    `json:"sessionId"`
	Messages  []models.SignalingMessage `json:"messages"`
}

// Poll removes and returns up to one batch of the oldest messages for peerID.
// An empty peerID receives every message.
func (s *Service) Poll(ctx context.Context, sessionID, peerID string) (*PollResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || sessionID == defaultSessionID {
		session, err := s.store.FindActiveSession(ctx, "")
		if err != nil {
			return nil, store.AppError(err, "broadcast is not active")
		}
		sessionID = session.ID
	}

	batch, err := s.store.TakeSignals(ctx, sessionID, strings.TrimSpace(peerID), s.opts.Batch)
	if err != nil {
		return nil, store.AppError(err, "")
	}
	for _, m := range batch {
		metrics.SignalsDelivered.WithLabelValues(string(m.Type)).Inc()
	}
	if batch == nil {
		batch = []models.SignalingMessage{}
	}
	return &PollResult{SessionID: sessionID, Messages: batch}, nil
}

func (s *Service) findActive(ctx context.Context, sessionID string) (*models.BroadcastSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == defaultSessionID {
		sessionID = ""
	}
	return s.store.FindActiveSession(ctx, sessionID)
}

// validatePayload checks offers and answers carry a parsable SDP of the
// matching type and candidates decode as an ICE candidate. An empty candidate
// line is the end-of-candidates marker and is relayed as is.
func validatePayload(typ models.SignalType, payload []byte) error {
	switch typ {
	case models.SignalOffer, models.SignalAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil {
			return apperr.BadRequest("payload is not a session description")
		}
		if sd.Type.String() != string(typ) {
			return apperr.BadRequest("session description type does not match " + string(typ))
		}
		if _, err := sd.Unmarshal(); err != nil {
			return apperr.BadRequest("invalid SDP: " + err.Error())
		}
	case models.SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &c); err != nil {
			return apperr.BadRequest("payload is not an ICE candidate")
		}
	}
	return nil
}
