package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"exchange-service/internal/util"
)

// ExpirySweeper periodically moves waiting sessions past expiresAt to
// timeout so that watchers are told without having to poll.
type ExpirySweeper struct {
	matcher  *PairingMatcher
	interval time.Duration
	logger   *zap.Logger
}

func NewExpirySweeper(matcher *PairingMatcher, interval time.Duration, logger *zap.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &ExpirySweeper{matcher: matcher, interval: interval, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled. Sweep failures are
// logged and retried on the next tick.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Expiry sweeper started", util.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.matcher.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("Expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("Expired exchange sessions", util.Int("count", n))
			}
		}
	}
}
