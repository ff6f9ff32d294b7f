package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/analysis-orchestrator/internal/api/handler"
	"github.com/cuongbtq/analysis-orchestrator/internal/api/router"
	"github.com/cuongbtq/analysis-orchestrator/internal/artifacts"
	"github.com/cuongbtq/analysis-orchestrator/internal/config"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/store"
	"github.com/cuongbtq/analysis-orchestrator/internal/notify"
	"github.com/cuongbtq/analysis-orchestrator/internal/orchestrator"
	"github.com/cuongbtq/analysis-orchestrator/shared/logger"
	"github.com/cuongbtq/analysis-orchestrator/shared/postgresql"
	"github.com/cuongbtq/analysis-orchestrator/shared/rabbitmq"
	"github.com/cuongbtq/analysis-orchestrator/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := map[string]handler.HealthCheck{}

	jobs, closeStore, err := initStore(ctx, cfg, appLogger.Logger, healthChecks)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer closeStore()

	workspace, err := artifacts.NewWorkspace(cfg.Storage.SharedDir, cfg.Storage.FolderPrefix, nil, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	if cfg.Storage.Allocator == config.AllocatorRedis {
		redisClient, err := initRedis(ctx, cfg, workspace, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis allocator: %w", err)
		}
		defer redisClient.Close()
		healthChecks["redis"] = redisClient.HealthCheck
	}

	appLogger.Info("Workspace ready",
		slog.String("shared_dir", workspace.Root()),
		slog.String("allocator", cfg.Storage.Allocator),
	)

	// The broker connects in the background; submissions fail fast until it is up
	rabbitClient := rabbitmq.NewClient(rabbitConfig(&cfg.RabbitMQ), appLogger.Logger)
	healthChecks["rabbitmq"] = func(context.Context) error {
		if !rabbitClient.IsConnected() {
			return rabbitmq.ErrChannelUnavailable
		}
		return nil
	}

	hub := notify.NewHub(cfg.Orchestrator.EventBuffer, appLogger.Logger)
	defer hub.Close()

	orch := orchestrator.New(orchestrator.Config{
		TaskQueue:       cfg.RabbitMQ.Queues.Submit,
		ResponseQueue:   cfg.RabbitMQ.Queues.Response,
		Concurrency:     cfg.RabbitMQ.Consumer.Concurrency,
		Prefetch:        cfg.RabbitMQ.Consumer.PrefetchCount,
		ConsumerTag:     cfg.RabbitMQ.Consumer.ConsumerTag,
		RequeueDelay:    cfg.RabbitMQ.Consumer.RequeueDelay,
		MaxRequeueDelay: cfg.RabbitMQ.Consumer.MaxRequeueDelay,
		StuckAfter:      cfg.Orchestrator.StuckAfter,
		MonitorInterval: cfg.Orchestrator.MonitorInterval,
	}, jobs, rabbitClient, hub, workspace, appLogger.Logger)

	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		if err := rabbitClient.Run(ctx); err != nil {
			appLogger.Error("RabbitMQ supervisor stopped", slog.Any("error", err))
		}
	}()

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		if err := orch.Run(ctx); err != nil {
			appLogger.Error("Orchestrator stopped", slog.Any("error", err))
		}
	}()

	r := initRouter(cfg, appLogger.Logger, &handler.Dependencies{
		Logger:         appLogger.Logger,
		Jobs:           orch,
		Workspace:      workspace,
		ReplyQueue:     cfg.RabbitMQ.Queues.Response,
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		EventKeepAlive: cfg.Server.EventKeepAlive,
		HealthChecks:   healthChecks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut off event streams
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		stop()
		<-orchDone
		<-brokerDone
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// event streams only end once their observers are closed
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	<-orchDone
	<-brokerDone

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initStore opens the configured job store and registers its health check.
// The returned func releases the store and its connection pool.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, checks map[string]handler.HealthCheck) (store.Store, func(), error) {
	if cfg.Storage.Backend == config.BackendFile {
		logger.Info("Using file job store", slog.String("path", cfg.Storage.FilePath))
		fs, err := store.OpenFile(cfg.Storage.FilePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { fs.Close() }, nil
	}

	dbClient, err := postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	pg := store.NewPostgres(dbClient.GetDB(), logger)
	if err := pg.EnsureSchema(ctx); err != nil {
		dbClient.Close()
		return nil, nil, err
	}

	checks["database"] = dbClient.HealthCheck
	logger.Info("Database connection established")
	return pg, func() {
		pg.Close()
		dbClient.Close()
	}, nil
}

// initRedis connects to Redis and switches the workspace to the shared folder counter
func initRedis(ctx context.Context, cfg *config.Config, workspace *artifacts.Workspace, logger *slog.Logger) (*redis.Client, error) {
	client, err := redis.NewClient(ctx, &redis.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	highWater, err := workspace.HighWater()
	if err != nil {
		client.Close()
		return nil, err
	}

	allocator, err := artifacts.NewRedisAllocator(ctx, client.GetClient(), cfg.Redis.CounterKey, highWater)
	if err != nil {
		client.Close()
		return nil, err
	}
	workspace.UseAllocator(allocator)

	return client, nil
}

// rabbitConfig maps the service configuration onto the RabbitMQ client
func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		Queues:             []string{cfg.Queues.Submit, cfg.Queues.Response},
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger.Debug("Router configured", slog.String("gin_mode", gin.Mode()))
	return router.SetupRouter(deps)
}
