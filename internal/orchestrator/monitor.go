package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/store"
)

const defaultMonitorInterval = time.Minute

// monitor periodically reports jobs that stayed PROCESSING longer than StuckAfter.
// It only logs; a late response can still complete such a job.
func (o *Orchestrator) monitor(ctx context.Context) {
	interval := o.config.MonitorInterval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Debug("Stuck job monitor started",
		slog.Duration("interval", interval),
		slog.Duration("stuck_after", o.config.StuckAfter),
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Debug("Stuck job monitor stopped - context canceled")
			return

		case <-ticker.C:
			o.reportStuck(ctx)
		}
	}
}

// reportStuck logs every stuck job and returns how many there were
func (o *Orchestrator) reportStuck(ctx context.Context) int {
	now := o.now()
	stuck, err := o.store.List(ctx, store.ListFilter{
		Status:        domain.StatusProcessing,
		CreatedBefore: now.Add(-o.config.StuckAfter),
	})
	if err != nil {
		o.logger.Error("Failed to list processing jobs",
			slog.Any("error", err),
		)
		return 0
	}

	for _, rec := range stuck {
		o.logger.Warn("Job still processing",
			slog.String("job_id", rec.ID),
			slog.String("operation", rec.Operation),
			slog.Duration("age", now.Sub(rec.CreatedAt)),
		)
	}
	return len(stuck)
}
