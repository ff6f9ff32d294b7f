package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/artifacts"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/store"
	"github.com/cuongbtq/analysis-orchestrator/internal/notify"
)

// JobService is the orchestrator API the handlers depend on
type JobService interface {
	Submit(ctx context.Context, desc *domain.Descriptor, meta domain.Metadata) (*domain.Record, error)
	Get(ctx context.Context, id string) (*domain.Record, error)
	List(ctx context.Context, filter store.ListFilter) ([]*domain.Record, error)
	Delete(ctx context.Context, id string) error
	Subscribe() (*notify.Observer, func())
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      JobService
	Workspace *artifacts.Workspace

	// ReplyQueue is put into every descriptor as the callback queue
	ReplyQueue string

	MaxUploadSize  int64
	EventKeepAlive time.Duration

	// HealthChecks are keyed by component name
	HealthChecks map[string]HealthCheck
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	jobs       JobService
	workspace  *artifacts.Workspace
	replyQueue string
	keepAlive  time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	keepAlive := deps.EventKeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}

	return &JobHandler{
		logger:     deps.Logger,
		jobs:       deps.Jobs,
		workspace:  deps.Workspace,
		replyQueue: deps.ReplyQueue,
		keepAlive:  keepAlive,
	}
}
