package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
)

// ErrNotPublished is returned by Submit when the job was recorded but its descriptor never reached the broker
var ErrNotPublished = errors.New("job recorded but not published")

// Submit records a new PROCESSING job and publishes its descriptor to the task queue.
// When publishing fails the record stays PROCESSING and the returned error wraps
// both ErrNotPublished and the publish error.
func (o *Orchestrator) Submit(ctx context.Context, desc *domain.Descriptor, meta domain.Metadata) (*domain.Record, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	now := o.now()
	rec := &domain.Record{
		ID:           desc.ID,
		FileName:     meta.FileName,
		Operation:    desc.Op.Name,
		OutputType:   meta.OutputType,
		Status:       domain.StatusProcessing,
		ResultFolder: meta.ResultFolder,
		InputPath:    desc.Input.Path,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := o.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create job %s: %w", desc.ID, err)
	}

	o.logger.Info("Job created",
		slog.String("job_id", rec.ID),
		slog.String("operation", rec.Operation),
		slog.String("output_type", rec.OutputType),
	)
	o.hub.Broadcast(domain.Event{Type: domain.EventJobCreated, Job: rec.Clone()})

	if err := o.channel.Publish(ctx, o.config.TaskQueue, body); err != nil {
		o.logger.Error("Failed to publish job, it stays PROCESSING",
			slog.String("job_id", rec.ID),
			slog.String("queue", o.config.TaskQueue),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: job %s: %w", ErrNotPublished, rec.ID, err)
	}

	o.logger.Info("Job published",
		slog.String("job_id", rec.ID),
		slog.String("queue", o.config.TaskQueue),
	)
	return rec, nil
}
