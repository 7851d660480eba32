package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const retentionBatch = 100

// StartRetention schedules the retention sweep on the configured cron schedule.
// The caller stops the returned scheduler.
func (s *Service) StartRetention(ctx context.Context) (*cron.Cron, error) {
	if s.config == nil || s.config.Retention <= 0 {
		return nil, nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.config.RetentionSchedule, func() {
		if _, err := s.SweepRetention(ctx); err != nil {
			s.logger.Warn("retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", s.config.RetentionSchedule, err)
	}
	c.Start()
	s.logger.Info("retention scheduled",
		zap.String("schedule", s.config.RetentionSchedule),
		zap.Duration("retention", s.config.Retention))
	return c, nil
}

// SweepRetention deletes finished task run trees last updated before the
// retention window and returns how many trees were removed.
func (s *Service) SweepRetention(ctx context.Context) (int, error) {
	if s.config == nil || s.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.config.Retention)

	total := 0
	for {
		n, err := s.store.DeleteTerminalTaskRunsBefore(ctx, cutoff, retentionBatch)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to delete expired task runs: %w", err)
		}
		if n < retentionBatch {
			break
		}
	}
	s.metrics.RetentionDeleted(total)
	if total > 0 {
		s.logger.Info("retention sweep deleted task runs", zap.Int("count", total))
	}
	return total, nil
}
