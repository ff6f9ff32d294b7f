package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/analysis-orchestrator/internal/artifacts"
	"github.com/cuongbtq/analysis-orchestrator/internal/config"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/descriptor"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/cuongbtq/analysis-orchestrator/shared/logger"
	"github.com/cuongbtq/analysis-orchestrator/shared/rabbitmq"
)

// errJobFailed is returned when the worker reported an error for the job
var errJobFailed = errors.New("job failed")

type options struct {
	configPath string
	input      string
	model      string
	outputType string
	timeout    time.Duration
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("JOBCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/jobctl/config.yaml"
	}

	var opts options
	flag.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	flag.StringVar(&opts.input, "input", "", "Media file to analyze (required)")
	flag.StringVar(&opts.model, "model", "", "Operation to run: ac-1 or df-1 (inferred from the file extension when empty)")
	flag.StringVar(&opts.outputType, "output-type", domain.OutputTypeResult, `Outputs to produce: "result" or "result + heatmaps"`)
	flag.DurationVar(&opts.timeout, "timeout", 0, "Give up waiting for the reply after this long (0 waits forever)")
	flag.Parse()

	if opts.input == "" {
		flag.Usage()
		return errors.New("-input is required")
	}
	if opts.model == "" {
		opts.model = inferModel(opts.input)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateBroker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.Kitchen,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	workspace, err := artifacts.NewWorkspace(cfg.Storage.SharedDir, cfg.Storage.FolderPrefix, nil, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open shared dir: %w", err)
	}

	desc, err := prepareJob(ctx, workspace, cfg.RabbitMQ.Queues.Response, opts)
	if err != nil {
		return err
	}

	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	pretty, _ := json.MarshalIndent(desc, "", "  ")
	appLogger.Info("Job prepared",
		slog.String("job_id", desc.ID),
		slog.String("op", desc.Op.Name),
		slog.String("output_type", opts.outputType),
	)
	appLogger.Debug("Job descriptor", slog.String("descriptor", string(pretty)))

	client := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		Queues:             []string{cfg.RabbitMQ.Queues.Submit, cfg.RabbitMQ.Queues.Response},
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
	}, appLogger.Logger)

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		client.Run(ctx)
	}()
	defer func() {
		stop()
		<-supervisorDone
	}()

	if err := publishUntilAccepted(ctx, client, cfg, body, appLogger.Logger); err != nil {
		return err
	}
	appLogger.Info("Job published, waiting for reply",
		slog.String("job_id", desc.ID),
		slog.String("queue", cfg.RabbitMQ.Queues.Response),
	)

	reply, err := awaitReply(ctx, client, cfg.RabbitMQ.Queues.Response, desc.ID, appLogger.Logger)
	if err != nil {
		return err
	}

	return report(os.Stdout, desc, reply)
}

// inferModel picks the video operation for .mp4 inputs and the image operation otherwise
func inferModel(input string) string {
	if strings.EqualFold(filepath.Ext(input), ".mp4") {
		return "df-1"
	}
	return "ac-1"
}

// prepareJob copies the input into a fresh result folder and builds the descriptor for it
func prepareJob(ctx context.Context, workspace *artifacts.Workspace, replyTo string, opts options) (*domain.Descriptor, error) {
	if !descriptor.IsKnownOperation(opts.model) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownOperation, opts.model)
	}
	if !descriptor.IsValidOutputType(opts.outputType) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidOutputType, opts.outputType)
	}

	folder, err := workspace.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	desc, err := buildInFolder(folder, replyTo, opts)
	if err != nil {
		if rmErr := workspace.Remove(folder.Name); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return nil, err
	}
	return desc, nil
}

func buildInFolder(folder *artifacts.Folder, replyTo string, opts options) (*domain.Descriptor, error) {
	inputPath := filepath.Join(folder.Path, filepath.Base(opts.input))
	if err := copyFile(opts.input, inputPath); err != nil {
		return nil, err
	}

	if opts.outputType == domain.OutputTypeResultHeatmaps {
		if err := os.MkdirAll(descriptor.HeatmapsDir(folder.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create heatmaps directory: %w", err)
		}
	}

	return descriptor.Build(descriptor.Intent{
		ID:         "job-" + uuid.NewString(),
		Operation:  opts.model,
		InputPath:  inputPath,
		OutputType: opts.outputType,
		OutputDir:  folder.Path,
		ReplyTo:    replyTo,
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create shared copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy input: %w", err)
	}
	return out.Close()
}

// publishUntilAccepted retries the publish every retry_interval until the broker confirms it
func publishUntilAccepted(ctx context.Context, client *rabbitmq.Client, cfg *config.Config, body []byte, logger *slog.Logger) error {
	for {
		if err := client.WaitConnected(ctx); err != nil {
			return fmt.Errorf("broker never became available: %w", err)
		}

		err := client.Publish(ctx, cfg.RabbitMQ.Queues.Submit, body)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("Publish failed, retrying",
			slog.Duration("retry_in", cfg.RabbitMQ.Connection.RetryInterval),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.RabbitMQ.Connection.RetryInterval):
		}
	}
}

// awaitReply consumes the reply queue until the response for jobID arrives.
// Replies for other jobs are acked too, so it must not share the queue with a running API service.
func awaitReply(ctx context.Context, client *rabbitmq.Client, queue, jobID string, logger *slog.Logger) (*domain.Envelope, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	matcher := newReplyMatcher(jobID, logger)

	subErr := make(chan error, 1)
	go func() {
		subErr <- client.Subscribe(subCtx, queue, matcher.handle, rabbitmq.SubscribeOptions{Concurrency: 1})
	}()

	select {
	case reply := <-matcher.done:
		cancel()
		<-subErr
		return reply, nil
	case err := <-subErr:
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("stopped waiting for reply: %w", err)
	case <-ctx.Done():
		<-subErr
		return nil, fmt.Errorf("stopped waiting for reply: %w", ctx.Err())
	}
}

// replyMatcher acks every reply and hands over the first one for its job
type replyMatcher struct {
	jobID  string
	done   chan *domain.Envelope
	logger *slog.Logger
}

func newReplyMatcher(jobID string, logger *slog.Logger) *replyMatcher {
	return &replyMatcher{
		jobID:  jobID,
		done:   make(chan *domain.Envelope, 1),
		logger: logger,
	}
}

func (m *replyMatcher) handle(_ context.Context, body []byte) error {
	env, err := domain.DecodeEnvelope(body)
	if err != nil {
		m.logger.Warn("Ignoring malformed reply", slog.Any("error", err))
		return nil
	}
	if env.ID != m.jobID {
		m.logger.Info("Ignoring reply for another job", slog.String("job_id", env.ID))
		return nil
	}

	select {
	case m.done <- env:
	default:
		m.logger.Warn("Ignoring repeated reply", slog.String("job_id", env.ID))
	}
	return nil
}

// report prints the outcome and where the artifacts were written
func report(w io.Writer, desc *domain.Descriptor, reply *domain.Envelope) error {
	if reply.HasError {
		fmt.Fprintf(w, "Job %s failed: %s\n", desc.ID, reply.Error)
		return fmt.Errorf("%w: %s", errJobFailed, reply.Error)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, reply.Result, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(reply.Result)
	}

	fmt.Fprintf(w, "Job %s completed\n%s\n", desc.ID, pretty.String())
	for _, out := range desc.Outputs {
		fmt.Fprintf(w, "%s: %s\n", out.Kind, out.Path)
	}
	return nil
}
