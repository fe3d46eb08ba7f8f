package services

import (
	"context"
	"time"
)

// RunSweeper prunes expired refresh tokens every interval until ctx is
// done. A non-positive interval returns immediately.
func (s *SessionService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneExpired(ctx)
			if err != nil {
				s.logger.Error(ctx, "sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info(ctx, "expired refresh tokens pruned", "count", n)
			}
		}
	}
}
