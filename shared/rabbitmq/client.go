package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrChannelUnavailable is returned while the client has no live connection to the broker
var ErrChannelUnavailable = errors.New("message channel unavailable")

// errNacked is returned when the broker refuses a published message
var errNacked = errors.New("message nacked by broker")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// Queues are declared durable on every (re)connect
	Queues []string

	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL builds the AMQP connection string
func (c *Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		trimVHost(c.VHost),
	)
}

// session is one live connection plus its confirm-mode publishing channel
type session struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	lost    chan struct{}
}

// Client represents a RabbitMQ client that survives broker restarts.
// Connections are only opened by Connect, which Run calls in a loop.
type Client struct {
	config *Config
	logger *slog.Logger

	connectMu sync.Mutex
	publishMu sync.Mutex

	mu      sync.RWMutex
	current *session
	ready   chan struct{}
	closed  bool
}

// NewClient creates a new RabbitMQ client. It does not connect.
func NewClient(config *Config, logger *slog.Logger) *Client {
	return &Client{
		config: config,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Connect dials the broker, declares the queues and opens the publishing channel.
// Calls are serialised; connecting while already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.session() != nil {
		return nil
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	c.logger.Info("Connecting to RabbitMQ",
		slog.String("host", c.config.Host),
		slog.Int("port", c.config.Port),
	)

	conn, err := amqp.DialConfig(c.config.URL(), amqpConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to setup queues: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if ctx.Err() != nil {
		channel.Close()
		conn.Close()
		return ctx.Err()
	}

	s := &session{conn: conn, channel: channel, lost: make(chan struct{})}
	go c.watch(s)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		channel.Close()
		conn.Close()
		return ErrChannelUnavailable
	}
	c.current = s
	close(c.ready)
	c.mu.Unlock()

	c.logger.Info("RabbitMQ client initialized",
		slog.Any("queues", c.config.Queues),
	)
	return nil
}

// setup declares every configured queue
func (c *Client) setup(channel *amqp.Channel) error {
	for _, queue := range c.config.Queues {
		_, err := channel.QueueDeclare(
			queue, // name
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}
	return nil
}

// watch marks the session lost once either its connection or its publishing channel closes
func (c *Client) watch(s *session) {
	connClosed := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := s.channel.NotifyClose(make(chan *amqp.Error, 1))

	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chanClosed:
	}

	c.mu.Lock()
	if c.current == s {
		c.current = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	close(s.lost)

	if reason != nil {
		c.logger.Warn("RabbitMQ connection lost",
			slog.String("reason", reason.Reason),
			slog.Int("code", reason.Code),
		)
	}
	if !s.conn.IsClosed() {
		s.conn.Close()
	}
}

// Run keeps the client connected until ctx is done, retrying every RetryInterval
func (c *Client) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			attempt = 0

			s := c.session()
			if s != nil {
				select {
				case <-ctx.Done():
					return c.Close()
				case <-s.lost:
				}
			}
		} else if ctx.Err() == nil {
			c.logger.Error("Failed to connect to RabbitMQ",
				slog.Any("error", err),
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", c.config.RetryInterval),
			)
		}

		select {
		case <-ctx.Done():
			return c.Close()
		case <-time.After(c.config.RetryInterval):
		}
	}
}

// session returns the live session or nil
func (c *Client) session() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// WaitConnected blocks until the client is connected or ctx is done
func (c *Client) WaitConnected(ctx context.Context) error {
	_, err := c.waitSession(ctx)
	return err
}

func (c *Client) waitSession(ctx context.Context) (*session, error) {
	for {
		c.mu.RLock()
		s, ready, closed := c.current, c.ready, c.closed
		c.mu.RUnlock()

		if closed {
			return nil, ErrChannelUnavailable
		}
		if s != nil {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	s := c.session()
	return s != nil && !s.conn.IsClosed()
}

// Publish sends a persistent message to queue through the default exchange and waits for the
// broker to confirm it. Transient failures are retried with exponential backoff as long as the
// connection stays up.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	maxRetries := c.config.PublishRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult < 1 {
		backoffMult = 2.0
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		s := c.session()
		if s == nil || s.channel.IsClosed() {
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrChannelUnavailable, lastErr)
			}
			return ErrChannelUnavailable
		}

		err := c.publishOnce(ctx, s, queue, body)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.String("queue", queue),
					slog.Int("attempt", attempt+1),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.String("queue", queue),
					slog.Int("body_size", len(body)),
				)
			}
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("failed to publish message: %w", ctx.Err())
		}

		lastErr = err
		if attempt == maxRetries {
			break
		}

		c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
			slog.String("queue", queue),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to publish message: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * backoffMult)
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.String("queue", queue),
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	if !c.IsConnected() {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, lastErr)
	}
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, s *session, queue string, body []byte) error {
	c.publishMu.Lock()
	confirmation, err := s.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	c.publishMu.Unlock()
	if err != nil {
		return err
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}

// Close closes the RabbitMQ connection. The client cannot be reconnected afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	alreadyClosed := c.closed
	c.closed = true
	if !alreadyClosed && s == nil {
		close(c.ready)
	}
	c.mu.Unlock()

	if s == nil {
		return nil
	}

	c.logger.Info("Closing RabbitMQ connection")

	if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Error("Failed to close RabbitMQ channel",
			slog.Any("error", err),
		)
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Error("Failed to close RabbitMQ connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

func trimVHost(vhost string) string {
	for len(vhost) > 0 && vhost[0] == '/' {
		vhost = vhost[1:]
	}
	return vhost
}
