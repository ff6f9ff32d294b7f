// Package orchestrator ties submission, response correlation, history and live
// notification together. It is the only writer of job state after creation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/store"
	"github.com/cuongbtq/analysis-orchestrator/internal/notify"
	"github.com/cuongbtq/analysis-orchestrator/shared/rabbitmq"
)

// Channel is the message broker as seen by the orchestrator
type Channel interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Subscribe(ctx context.Context, queue string, handler rabbitmq.Handler, opts rabbitmq.SubscribeOptions) error
}

// Artifacts removes the result folders of deleted jobs
type Artifacts interface {
	Remove(folder string) error
}

// Config holds orchestrator settings
type Config struct {
	TaskQueue     string
	ResponseQueue string

	// Concurrency is the number of response handlers
	Concurrency int
	Prefetch    int
	ConsumerTag string

	// RequeueDelay is the wait before a failed response goes back to the queue,
	// doubled per consecutive failure up to MaxRequeueDelay
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration

	// StuckAfter is the age after which a PROCESSING job is reported. Zero disables the monitor.
	StuckAfter      time.Duration
	MonitorInterval time.Duration
}

// Orchestrator owns the lifecycle of analysis jobs
type Orchestrator struct {
	config    Config
	store     store.Store
	channel   Channel
	hub       *notify.Hub
	artifacts Artifacts
	logger    *slog.Logger

	now func() time.Time
}

// New creates an orchestrator. artifacts may be nil when no result folders are managed.
func New(config Config, jobs store.Store, channel Channel, hub *notify.Hub, artifacts Artifacts, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		config:    config,
		store:     jobs,
		channel:   channel,
		hub:       hub,
		artifacts: artifacts,
		logger:    logger,
		now:       defaultNow,
	}
}

// defaultNow keeps timestamps at the precision Postgres stores
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Get returns a copy of one job
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Record, error) {
	return o.store.Get(ctx, id)
}

// List returns jobs newest-first
func (o *Orchestrator) List(ctx context.Context, filter store.ListFilter) ([]*domain.Record, error) {
	return o.store.List(ctx, filter)
}

// Delete removes a job and its result folder
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}

	if o.artifacts != nil && rec.ResultFolder != "" {
		if err := o.artifacts.Remove(rec.ResultFolder); err != nil {
			o.logger.Error("Failed to remove result folder",
				slog.String("job_id", id),
				slog.String("folder", rec.ResultFolder),
				slog.Any("error", err),
			)
		}
	}

	o.logger.Info("Job deleted", slog.String("job_id", id))
	o.hub.Broadcast(domain.Event{Type: domain.EventJobDeleted, Job: rec.Clone()})
	return nil
}

// Subscribe registers a live observer. cancel must be called when the observer is done.
func (o *Orchestrator) Subscribe() (*notify.Observer, func()) {
	observer := o.hub.Join()
	return observer, func() { o.hub.Leave(observer) }
}

// Run consumes the response queue and runs the stuck-job monitor until ctx is done
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if o.config.StuckAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.monitor(ctx)
		}()
	}

	o.logger.Info("Listening for analysis responses",
		slog.String("queue", o.config.ResponseQueue),
		slog.Int("concurrency", o.config.Concurrency),
	)

	err := o.channel.Subscribe(ctx, o.config.ResponseQueue, o.handle, rabbitmq.SubscribeOptions{
		Concurrency:     o.config.Concurrency,
		Prefetch:        o.config.Prefetch,
		ConsumerTag:     o.config.ConsumerTag,
		ShouldRequeue:   domain.ShouldRequeue,
		RequeueDelay:    o.config.RequeueDelay,
		MaxRequeueDelay: o.config.MaxRequeueDelay,
	})
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("response subscription failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, body []byte) error {
	_, err := o.HandleResponse(ctx, body)
	return err
}
