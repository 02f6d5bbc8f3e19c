package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type flaky struct{ runs atomic.Int32 }

func (f *flaky) Serve(ctx context.Context) error {
	if f.runs.Add(1) == 1 {
		return errors.New("first run fails")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorRestartsAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sup := New("test", zap.New(core), Config{FailureBackoff: time.Millisecond, ShutdownTimeout: time.Second})
	svc := &flaky{}
	sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := sup.ServeBackground(ctx)

	require.Eventually(t, func() bool { return svc.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.NotZero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len(), "termination is logged")
}
