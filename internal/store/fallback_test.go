package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaoffice/liveportal/internal/models"
)

// flakyBackend fails the session lookups with err and panics on anything else.
type flakyBackend struct {
	Backend
	err   error
	calls int
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyBackend) GetSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	f.calls++
	return nil, f.err
}

func testBreaker() BreakerSettings {
	return BreakerSettings{MinRequests: 3, FailureRate: 0.5, OpenTimeout: time.Minute, Interval: time.Minute}
}

func TestFallbackServesFromSecondaryWhenPrimaryUnavailable(t *testing.T) {
	ctx := context.Background()
	secondary := newTestBadger(t)
	_, _, err := secondary.CreateActiveSession(ctx, newSession("live-local", time.Now()))
	require.NoError(t, err)

	primary := &flakyBackend{err: fmt.Errorf("%w: connection refused", ErrUnavailable)}
	f := NewFallback(primary, secondary, testBreaker(), nil)

	s, err := f.FindActiveSession(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "live-local", s.ID)
	assert.Equal(t, 1, primary.calls)
}

func TestFallbackPassesThroughNotFound(t *testing.T) {
	ctx := context.Background()
	secondary := newTestBadger(t)
	_, _, err := secondary.CreateActiveSession(ctx, newSession("live-local", time.Now()))
	require.NoError(t, err)

	primary := &flakyBackend{err: ErrNotFound}
	f := NewFallback(primary, secondary, testBreaker(), nil)

	for i := 0; i < 10; i++ {
		_, err := f.FindActiveSession(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, f.State(), "not-found is not a failure")
	assert.Equal(t, 10, primary.calls)
}

func TestFallbackOpensBreaker(t *testing.T) {
	ctx := context.Background()
	secondary := newTestBadger(t)
	primary := &flakyBackend{err: fmt.Errorf("%w: timeout", ErrUnavailable)}
	f := NewFallback(primary, secondary, testBreaker(), nil)

	for i := 0; i < 3; i++ {
		_, err := f.GetSession(ctx, "live-x")
		assert.ErrorIs(t, err, ErrNotFound, "secondary answers")
	}
	assert.Equal(t, gobreaker.StateOpen, f.State())

	_, err := f.GetSession(ctx, "live-x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 3, primary.calls, "open breaker skips the primary")
}

func TestFallbackWithoutSecondary(t *testing.T) {
	primary := &flakyBackend{err: fmt.Errorf("%w: timeout", ErrUnavailable)}
	f := NewFallback(primary, nil, testBreaker(), nil)

	_, err := f.GetSession(context.Background(), "live-x")
	assert.True(t, IsUnavailable(err))

	primary.err = errors.New("decode failure")
	_, err = f.GetSession(context.Background(), "live-x")
	assert.False(t, IsUnavailable(err))
}
