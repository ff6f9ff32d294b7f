package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

// Folder number allocators
const (
	AllocatorLocal = "local"
	AllocatorRedis = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Redis        RedisConfig        `yaml:"redis"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadSize limits multipart uploads in bytes
	MaxUploadSize int64 `yaml:"max_upload_size"`
	// EventKeepAlive is the interval between keep-alive comments on event streams
	EventKeepAlive time.Duration `yaml:"event_keep_alive"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Queues     QueuesConfig     `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// QueuesConfig names the two durable queues
type QueuesConfig struct {
	Submit   string `yaml:"submit"`
	Response string `yaml:"response"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount   int           `yaml:"prefetch_count"`
	Concurrency     int           `yaml:"concurrency"`
	ConsumerTag     string        `yaml:"consumer_tag"`
	RequeueDelay    time.Duration `yaml:"requeue_delay"`
	MaxRequeueDelay time.Duration `yaml:"max_requeue_delay"`
}

// RedisConfig holds the Redis connection used for folder numbering
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	CounterKey  string        `yaml:"counter_key"`
}

// StorageConfig selects where job history and artifacts live
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	FilePath     string `yaml:"file_path"`
	SharedDir    string `yaml:"shared_dir"`
	FolderPrefix string `yaml:"folder_prefix"`
	Allocator    string `yaml:"allocator"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// OrchestratorConfig holds job tracking settings
type OrchestratorConfig struct {
	StuckAfter      time.Duration `yaml:"stuck_after"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// Load reads and parses the configuration file. Unset queue, storage and
// retry settings fall back to their defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.RabbitMQ.Queues.Submit == "" {
		c.RabbitMQ.Queues.Submit = "task_queue"
	}
	if c.RabbitMQ.Queues.Response == "" {
		c.RabbitMQ.Queues.Response = "task_response"
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}
	if c.RabbitMQ.Connection.RetryInterval <= 0 {
		c.RabbitMQ.Connection.RetryInterval = 5 * time.Second
	}
	if c.RabbitMQ.Consumer.Concurrency <= 0 {
		c.RabbitMQ.Consumer.Concurrency = 1
	}
	if c.RabbitMQ.Consumer.RequeueDelay <= 0 {
		c.RabbitMQ.Consumer.RequeueDelay = time.Second
	}
	if c.RabbitMQ.Consumer.MaxRequeueDelay <= 0 {
		c.RabbitMQ.Consumer.MaxRequeueDelay = 30 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.FilePath == "" {
		c.Storage.FilePath = "data/jobs.json"
	}
	if c.Storage.SharedDir == "" {
		c.Storage.SharedDir = "shared"
	}
	if c.Storage.FolderPrefix == "" {
		c.Storage.FolderPrefix = "result"
	}
	if c.Storage.Allocator == "" {
		c.Storage.Allocator = AllocatorLocal
	}
	if c.Redis.CounterKey == "" {
		c.Redis.CounterKey = "analysis:result_folder"
	}
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 512 << 20
	}
	if c.Server.EventKeepAlive <= 0 {
		c.Server.EventKeepAlive = 15 * time.Second
	}
}

// Validate checks the configuration of the API service
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.ValidateBroker(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case BackendFile:
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage file_path is required")
		}
	default:
		return fmt.Errorf("invalid storage backend: %q (must be %s or %s)", c.Storage.Backend, BackendPostgres, BackendFile)
	}

	if c.Storage.SharedDir == "" {
		return fmt.Errorf("storage shared_dir is required")
	}

	switch c.Storage.Allocator {
	case AllocatorLocal:
	case AllocatorRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis allocator")
		}
	default:
		return fmt.Errorf("invalid storage allocator: %q (must be %s or %s)", c.Storage.Allocator, AllocatorLocal, AllocatorRedis)
	}

	if c.Orchestrator.StuckAfter < 0 {
		return fmt.Errorf("orchestrator stuck_after must not be negative")
	}

	return nil
}

// ValidateBroker checks the RabbitMQ settings shared by the API service and the CLI
func (c *Config) ValidateBroker() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Queues.Submit == "" || c.RabbitMQ.Queues.Response == "" {
		return fmt.Errorf("rabbitmq submit and response queues are required")
	}

	if c.RabbitMQ.Queues.Submit == c.RabbitMQ.Queues.Response {
		return fmt.Errorf("rabbitmq submit and response queues must differ")
	}

	if c.RabbitMQ.Publish.RetryAttempts < 0 {
		return fmt.Errorf("rabbitmq publish retry_attempts must not be negative")
	}

	return nil
}
