package processor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/repository"
)

const recoveryBatch = 100

// RunRecoveryMonitor periodically reclaims expired leases and re-propagates
// resolved calls whose wake-up was lost.
func (p *Processor) RunRecoveryMonitor(ctx context.Context) {
	ticker := time.NewTicker(p.opts.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	p.reclaimLeases(sweepCtx)
	p.recoverStalled(sweepCtx)
}

func (p *Processor) reclaimLeases(ctx context.Context) {
	now := p.now()

	stackRuns, err := p.store.ReclaimExpiredStackRuns(ctx, now, recoveryBatch)
	if err != nil {
		p.logger.Warn("stack run lease sweep failed", zap.Error(err))
	}
	for _, sr := range stackRuns {
		p.logger.Info("reclaimed expired stack run",
			zap.String("stack_run_id", sr.StackRunID),
			zap.String("task_run_id", sr.TaskRunID),
			zap.Int("attempts", sr.Attempts))
		p.recordEvent(ctx, sr.TaskRunID, domain.EventTypeStackRunReclaimed, domain.StackRunPayload{
			StackRunID: sr.StackRunID,
			Service:    sr.Service,
			Method:     sr.Method,
			Status:     sr.Status,
			Attempt:    sr.Attempts,
		})
	}
	p.metrics.LeasesReclaimed("stack_run", len(stackRuns))

	taskRuns, err := p.store.ReclaimExpiredTaskRuns(ctx, now, recoveryBatch)
	if err != nil {
		p.logger.Warn("task run lease sweep failed", zap.Error(err))
	}
	for _, run := range taskRuns {
		p.logger.Info("reclaimed expired task run", zap.String("task_run_id", run.TaskRunID))
	}
	p.metrics.LeasesReclaimed("task_run", len(taskRuns))

	if len(stackRuns) > 0 || len(taskRuns) > 0 {
		p.notifier.Notify()
	}
}

func (p *Processor) recoverStalled(ctx context.Context) {
	cutoff := p.now().Add(-p.opts.StallGrace)

	runs, err := p.store.ListStalledTaskRuns(ctx, cutoff, recoveryBatch)
	if err != nil {
		p.logger.Warn("stalled task run sweep failed", zap.Error(err))
	}
	for _, run := range runs {
		sr, err := p.store.GetStackRun(ctx, run.WaitingOnStackRunID)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				p.logger.Warn("failed to load awaited stack run", zap.String("task_run_id", run.TaskRunID), zap.Error(err))
			}
			continue
		}
		p.logger.Info("re-propagating stalled stack run",
			zap.String("task_run_id", run.TaskRunID), zap.String("stack_run_id", sr.StackRunID))
		if err := p.propagate(ctx, sr); err != nil {
			p.logger.Warn("failed to propagate stalled stack run", zap.String("stack_run_id", sr.StackRunID), zap.Error(err))
		}
	}

	stackRuns, err := p.store.ListStalledStackRuns(ctx, cutoff, recoveryBatch)
	if err != nil {
		p.logger.Warn("stalled stack run sweep failed", zap.Error(err))
	}
	for _, sr := range stackRuns {
		child, err := p.store.GetTaskRun(ctx, sr.ChildTaskRunID)
		if err != nil {
			p.logger.Warn("failed to load nested task run", zap.String("stack_run_id", sr.StackRunID), zap.Error(err))
			continue
		}
		if err := p.resolveParent(ctx, child); err != nil {
			p.logger.Warn("failed to resolve stalled stack run", zap.String("stack_run_id", sr.StackRunID), zap.Error(err))
		}
	}
}
