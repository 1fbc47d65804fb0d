package services

import (
	"context"
	"time"

	"room-engine/pkg/logger"
)

// Sweeper runs the periodic knock expiry and highlight retention jobs.
type Sweeper struct {
	knocks     *KnockService
	highlights *HighlightService
	now        func() time.Time
}

func NewSweeper(knocks *KnockService, highlights *HighlightService, now func() time.Time) *Sweeper {
	return &Sweeper{knocks: knocks, highlights: highlights, now: now}
}

// RunOnce performs one pass. Failures are logged and the pass carries on.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if _, err := s.knocks.ExpireOldKnocks(ctx, s.now()); err != nil {
		logger.Error("Knock expiry sweep failed: %v", err)
	}
	if _, err := s.highlights.Prune(ctx); err != nil {
		logger.Error("Highlight retention sweep failed: %v", err)
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Knock sweeper running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
