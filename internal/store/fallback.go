package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/metrics"
	"github.com/mediaoffice/liveportal/internal/models"
)

// BreakerSettings configures when the primary store is considered down.
type BreakerSettings struct {
	// MinRequests is the number of calls in an interval before the failure rate is evaluated.
	MinRequests uint32
	// FailureRate in [0,1] at which the breaker opens.
	FailureRate float64
	// OpenTimeout is how long the breaker stays open before probing the primary again.
	OpenTimeout time.Duration
	// Interval resets the counts while closed.
	Interval time.Duration
}

// DefaultBreakerSettings returns production defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests: 5,
		FailureRate: 0.6,
		OpenTimeout: 30 * time.Second,
		Interval:    time.Minute,
	}
}

// Fallback routes every call to the primary through a circuit breaker and
// serves it from the secondary when the primary is unavailable. Not-found and
// validation errors pass through and do not count as failures.
type Fallback struct {
	primary   Backend
	secondary Backend
	cb        *gobreaker.CircuitBreaker[any]
	logger    *zap.Logger
}

// NewFallback creates the decorator. secondary may be nil, in which case an
// unavailable primary surfaces as ErrUnavailable.
func NewFallback(primary, secondary Backend, st BreakerSettings, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := "store-" + primary.Name()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    st.Interval,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < st.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= st.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsUnavailable(err)
		},
	})
	return &Fallback{primary: primary, secondary: secondary, cb: cb, logger: logger}
}

// Name implements Backend.
func (f *Fallback) Name() string {
	if f.secondary == nil {
		return f.primary.Name()
	}
	return f.primary.Name() + "+" + f.secondary.Name()
}

// State reports the breaker state, used by the health endpoint.
func (f *Fallback) State() gobreaker.State { return f.cb.State() }

// Ping reports healthy when either backend answers.
func (f *Fallback) Ping(ctx context.Context) error {
	err := f.primary.Ping(ctx)
	if err == nil || f.secondary == nil {
		return err
	}
	if serr := f.secondary.Ping(ctx); serr != nil {
		return errors.Join(err, serr)
	}
	return nil
}

// Close closes both backends.
func (f *Fallback) Close(ctx context.Context) error {
	err := f.primary.Close(ctx)
	if f.secondary != nil {
		err = errors.Join(err, f.secondary.Close(ctx))
	}
	return err
}

func shouldFallback(err error) bool {
	return IsUnavailable(err) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// call runs fn on the primary via the breaker and on the secondary when it is down.
func call[T any](f *Fallback, op string, fn func(Backend) (T, error)) (T, error) {
	res, err := f.cb.Execute(func() (any, error) {
		return fn(f.primary)
	})
	if err == nil || !shouldFallback(err) {
		out, _ := res.(T)
		return out, err
	}
	if f.secondary == nil {
		var zero T
		if IsUnavailable(err) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	metrics.StoreFallbacks.WithLabelValues(op).Inc()
	f.logger.Warn("primary store unavailable, serving from fallback",
		zap.String("op", op),
		zap.String("fallback", f.secondary.Name()),
		zap.Error(err),
	)
	return fn(f.secondary)
}

func exec(f *Fallback, op string, fn func(Backend) error) error {
	_, err := call(f, op, func(b Backend) (struct{}, error) {
		return struct{}{}, fn(b)
	})
	return err
}

type createResult struct {
	session *models.BroadcastSession
	created bool
}

// CreateActiveSession implements SessionStore.
func (f *Fallback) CreateActiveSession(ctx context.Context, s *models.BroadcastSession) (*models.BroadcastSession, bool, error) {
	res, err := call(f, "create_session", func(b Backend) (createResult, error) {
		out, created, err := b.CreateActiveSession(ctx, s)
		return createResult{out, created}, err
	})
	return res.session, res.created, err
}

// FindActiveSession implements SessionStore.
func (f *Fallback) FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	return call(f, "find_active", func(b Backend) (*models.BroadcastSession, error) {
		return b.FindActiveSession(ctx, id)
	})
}

// GetSession implements SessionStore.
func (f *Fallback) GetSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	return call(f, "get_session", func(b Backend) (*models.BroadcastSession, error) {
		return b.GetSession(ctx, id)
	})
}

// SetPaused implements SessionStore.
func (f *Fallback) SetPaused(ctx context.Context, id, hostID string, paused bool, at time.Time) (*models.BroadcastSession, error) {
	return call(f, "set_paused", func(b Backend) (*models.BroadcastSession, error) {
		return b.SetPaused(ctx, id, hostID, paused, at)
	})
}

// EndSessions implements SessionStore.
func (f *Fallback) EndSessions(ctx context.Context, filter EndFilter) ([]string, error) {
	return call(f, "end_sessions", func(b Backend) ([]string, error) {
		return b.EndSessions(ctx, filter)
	})
}

// TouchSession implements SessionStore.
func (f *Fallback) TouchSession(ctx context.Context, id string, at time.Time) (string, error) {
	return call(f, "touch_session", func(b Backend) (string, error) {
		return b.TouchSession(ctx, id, at)
	})
}

// AppendParticipant implements SessionStore.
func (f *Fallback) AppendParticipant(ctx context.Context, id string, p models.Participant, at time.Time) (*models.BroadcastSession, error) {
	return call(f, "append_participant", func(b Backend) (*models.BroadcastSession, error) {
		return b.AppendParticipant(ctx, id, p, at)
	})
}

// UpdateParticipant implements SessionStore.
func (f *Fallback) UpdateParticipant(ctx context.Context, id, participantID string, u ParticipantUpdate, at time.Time) (*models.Participant, error) {
	return call(f, "update_participant", func(b Backend) (*models.Participant, error) {
		return b.UpdateParticipant(ctx, id, participantID, u, at)
	})
}

// IncrementStat implements SessionStore.
func (f *Fallback) IncrementStat(ctx context.Context, id string, field StatField, delta int64) error {
	return exec(f, "increment_stat", func(b Backend) error {
		return b.IncrementStat(ctx, id, field, delta)
	})
}

// InsertChatMessage implements ChatStore.
func (f *Fallback) InsertChatMessage(ctx context.Context, m *models.ChatMessage) error {
	return exec(f, "insert_chat", func(b Backend) error {
		return b.InsertChatMessage(ctx, m)
	})
}

// InsertReaction implements ChatStore.
func (f *Fallback) InsertReaction(ctx context.Context, r *models.Reaction) error {
	return exec(f, "insert_reaction", func(b Backend) error {
		return b.InsertReaction(ctx, r)
	})
}

// ListChatMessages implements ChatStore.
func (f *Fallback) ListChatMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, error) {
	return call(f, "list_chat", func(b Backend) ([]models.ChatMessage, error) {
		return b.ListChatMessages(ctx, sessionID, limit, offset)
	})
}

// CountChatMessages implements ChatStore.
func (f *Fallback) CountChatMessages(ctx context.Context, sessionID string) (int64, error) {
	return call(f, "count_chat", func(b Backend) (int64, error) {
		return b.CountChatMessages(ctx, sessionID)
	})
}

// ListReactions implements ChatStore.
func (f *Fallback) ListReactions(ctx context.Context, sessionID string, limit int) ([]models.Reaction, error) {
	return call(f, "list_reactions", func(b Backend) ([]models.Reaction, error) {
		return b.ListReactions(ctx, sessionID, limit)
	})
}

// SoftDeleteChatMessage implements ChatStore.
func (f *Fallback) SoftDeleteChatMessage(ctx context.Context, sessionID, messageID string, at time.Time) error {
	return exec(f, "delete_chat", func(b Backend) error {
		return b.SoftDeleteChatMessage(ctx, sessionID, messageID, at)
	})
}

// InsertSignal implements SignalStore.
func (f *Fallback) InsertSignal(ctx context.Context, m *models.SignalingMessage) error {
	return exec(f, "insert_signal", func(b Backend) error {
		return b.InsertSignal(ctx, m)
	})
}

// TakeSignals implements SignalStore.
func (f *Fallback) TakeSignals(ctx context.Context, sessionID, peerID string, limit int) ([]models.SignalingMessage, error) {
	return call(f, "take_signals", func(b Backend) ([]models.SignalingMessage, error) {
		return b.TakeSignals(ctx, sessionID, peerID, limit)
	})
}
