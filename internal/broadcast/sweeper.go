package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs SweepStale on a fixed interval as a supervised service.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates the sweeper. Non-positive intervals default to five minutes.
func NewSweeper(svc *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

// Serve implements suture.Service. It returns ctx.Err() on shutdown.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ended, err := s.svc.SweepStale(ctx)
	if err != nil {
		s.logger.Warn("stale sweep failed", zap.Error(err))
		return
	}
	if len(ended) > 0 {
		s.logger.Info("stale sweep ended sessions", zap.Int("count", len(ended)))
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string { return "broadcast-sweeper" }
