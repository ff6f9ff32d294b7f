package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
)

// Outcome says what a response did to the job it named
type Outcome int

const (
	// OutcomeRejected means the response was not applied and an error was returned
	OutcomeRejected Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	// OutcomeUnknownJob means no job has the response's identifier
	OutcomeUnknownJob
	// OutcomeDuplicate means the job had already reached a terminal state
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnknownJob:
		return "unknown_job"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// rejectedResponseError is recorded on a job whose response the store refused
const rejectedResponseError = "analysis response could not be stored"

// HandleResponse applies one worker response to the job it names. Stale responses
// (unknown job, job already finished) are logged and reported through the outcome
// without an error so the message is acknowledged. A response the store refuses
// fails the job instead. Other store failures are retryable.
func (o *Orchestrator) HandleResponse(ctx context.Context, body []byte) (Outcome, error) {
	env, err := domain.DecodeEnvelope(body)
	if err != nil {
		o.logger.Warn("Discarding malformed response",
			slog.Int("body_size", len(body)),
			slog.Any("error", err),
		)
		return OutcomeRejected, err
	}

	now := o.now()
	rec, err := o.store.Update(ctx, env.ID, func(r *domain.Record) error {
		if r.Status.IsTerminal() {
			return domain.ErrAlreadyTerminal
		}
		if env.HasError {
			r.Status = domain.StatusError
			r.Error = env.Error
			r.Result = nil
		} else {
			r.Status = domain.StatusCompleted
			r.Result = env.Result
			r.Error = ""
		}
		r.UpdatedAt = now
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrNotFound):
		o.logger.Info("Ignoring response for unknown job",
			slog.String("job_id", env.ID),
			slog.String("reason", OutcomeUnknownJob.String()),
		)
		return OutcomeUnknownJob, nil

	case errors.Is(err, domain.ErrAlreadyTerminal):
		o.logger.Warn("Ignoring duplicate response",
			slog.String("job_id", env.ID),
			slog.String("reason", OutcomeDuplicate.String()),
		)
		return OutcomeDuplicate, nil

	case errors.Is(err, domain.ErrRecordRejected):
		o.logger.Error("Job store rejected response",
			slog.String("job_id", env.ID),
			slog.Any("error", err),
		)
		return o.failRejected(ctx, env.ID, now, err)

	case err != nil:
		o.logger.Error("Failed to record response",
			slog.String("job_id", env.ID),
			slog.Any("error", err),
		)
		return OutcomeRejected, domain.NewRetryableError(fmt.Errorf("failed to update job %s: %w", env.ID, err))
	}

	outcome := OutcomeCompleted
	if rec.Status == domain.StatusError {
		outcome = OutcomeFailed
		o.logger.Info("Job failed",
			slog.String("job_id", rec.ID),
			slog.String("error", rec.Error),
		)
	} else {
		o.logger.Info("Job completed",
			slog.String("job_id", rec.ID),
			slog.Int("result_size", len(rec.Result)),
		)
	}

	o.hub.Broadcast(domain.Event{Type: domain.EventJobUpdated, Job: rec.Clone()})
	return outcome, nil
}

// failRejected moves a job to ERROR after the store refused its response. The
// returned error is never retryable unless the store itself is unavailable.
func (o *Orchestrator) failRejected(ctx context.Context, id string, now time.Time, cause error) (Outcome, error) {
	rec, err := o.store.Update(ctx, id, func(r *domain.Record) error {
		if r.Status.IsTerminal() {
			return domain.ErrAlreadyTerminal
		}
		r.Status = domain.StatusError
		r.Error = rejectedResponseError
		r.Result = nil
		r.UpdatedAt = now
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAlreadyTerminal),
		errors.Is(err, domain.ErrRecordRejected):
		return OutcomeRejected, fmt.Errorf("failed to update job %s: %w", id, cause)

	case err != nil:
		o.logger.Error("Failed to mark job failed",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
		return OutcomeRejected, domain.NewRetryableError(fmt.Errorf("failed to update job %s: %w", id, err))
	}

	o.logger.Info("Job failed",
		slog.String("job_id", rec.ID),
		slog.String("error", rec.Error),
	)
	o.hub.Broadcast(domain.Event{Type: domain.EventJobUpdated, Job: rec.Clone()})
	return OutcomeFailed, nil
}
