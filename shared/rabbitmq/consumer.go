package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. A nil error acks the delivery.
type Handler func(ctx context.Context, body []byte) error

// SubscribeOptions tunes a subscription
type SubscribeOptions struct {
	// Concurrency is the number of handler goroutines
	Concurrency int
	// Prefetch is the QoS prefetch count of the consuming channel
	Prefetch int
	// ConsumerTag identifies the consumer to the broker; generated by the broker when empty
	ConsumerTag string
	// ShouldRequeue decides whether a failed delivery goes back to the queue.
	// Failed deliveries are dropped when it is nil.
	ShouldRequeue func(error) bool
	// RequeueDelay is how long a handler holds a failed delivery before requeueing it.
	// It doubles with every consecutive requeue of the same handler, up to MaxRequeueDelay.
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Prefetch <= 0 {
		o.Prefetch = o.Concurrency
	}
	if o.ShouldRequeue == nil {
		o.ShouldRequeue = func(error) bool { return false }
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = time.Second
	}
	if o.MaxRequeueDelay < o.RequeueDelay {
		o.MaxRequeueDelay = 30 * o.RequeueDelay
	}
	return o
}

// requeueDelay is the wait after streak consecutive requeues
func (o SubscribeOptions) requeueDelay(streak int) time.Duration {
	delay := o.RequeueDelay
	for i := 0; i < streak && delay < o.MaxRequeueDelay; i++ {
		delay *= 2
	}
	if delay > o.MaxRequeueDelay {
		delay = o.MaxRequeueDelay
	}
	return delay
}

// Subscribe consumes queue with manual acknowledgements until ctx is done. Deliveries are
// dispatched through a bounded channel to a pool of handler goroutines. After a connection
// loss it waits for the client to reconnect and consumes again.
func (c *Client) Subscribe(ctx context.Context, queue string, handler Handler, opts SubscribeOptions) error {
	opts = opts.withDefaults()

	jobs := make(chan amqp.Delivery, opts.Concurrency)

	var wg sync.WaitGroup
	c.logger.Info("Spawning handler pool",
		slog.String("queue", queue),
		slog.Int("concurrency", opts.Concurrency),
	)
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			c.handlerLoop(ctx, num, jobs, handler, opts)
		}(i)
	}

	var consumer *amqp.Channel
	defer func() {
		close(jobs)
		wg.Wait()
		if consumer != nil && !consumer.IsClosed() {
			consumer.Close()
		}
		c.logger.Info("Subscription stopped", slog.String("queue", queue))
	}()

	for {
		s, err := c.waitSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var deliveries <-chan amqp.Delivery
		consumer, deliveries, err = c.consume(s, queue, opts)
		if err != nil {
			c.logger.Error("Failed to start consuming",
				slog.String("queue", queue),
				slog.Any("error", err),
			)
		} else {
			c.dispatch(ctx, deliveries, jobs)
		}

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("Consumer interrupted, waiting for reconnect",
			slog.String("queue", queue),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-s.lost:
		case <-time.After(c.config.RetryInterval):
		}
	}
}

// consume opens a dedicated channel with the configured QoS and starts consuming queue on it
func (c *Client) consume(s *session, queue string, opts SubscribeOptions) (*amqp.Channel, <-chan amqp.Delivery, error) {
	channel, err := s.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	// prefetch_size 0 means no byte limit, global false means per consumer
	if err := channel.Qos(opts.Prefetch, 0, false); err != nil {
		channel.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := channel.Consume(
		queue,            // queue
		opts.ConsumerTag, // consumer tag
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // args
	)
	if err != nil {
		channel.Close()
		return nil, nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", opts.ConsumerTag),
		slog.Int("prefetch_count", opts.Prefetch),
	)
	return channel, deliveries, nil
}

// dispatch forwards deliveries to the handler pool until the delivery channel closes or ctx is done
func (c *Client) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, jobs chan<- amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			select {
			case jobs <- delivery:
				c.logger.Debug("Message dispatched to handler pool",
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				// hand it back so another consumer can take it
				if err := delivery.Nack(false, true); err != nil {
					c.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", err),
					)
				}
				return
			}
		}
	}
}

func (c *Client) handlerLoop(ctx context.Context, num int, jobs <-chan amqp.Delivery, handler Handler, opts SubscribeOptions) {
	c.logger.Debug("Handler goroutine started", slog.Int("handler_num", num))

	streak := 0
	for delivery := range jobs {
		if c.handle(ctx, delivery, handler, opts, opts.requeueDelay(streak)) {
			streak++
		} else {
			streak = 0
		}
	}
}

// handle runs the handler and settles the delivery: ack on success, nack otherwise.
// A delivery that is requeued is held for delay first, or until ctx is done.
// It reports whether the delivery was requeued.
func (c *Client) handle(ctx context.Context, delivery amqp.Delivery, handler Handler, opts SubscribeOptions, delay time.Duration) bool {
	err := handler(ctx, delivery.Body)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ACK message",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.Any("error", ackErr),
			)
		}
		return false
	}

	requeue := opts.ShouldRequeue(err)
	if !requeue {
		delay = 0
	}
	c.logger.Error("Message handling failed",
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
		slog.Bool("requeue", requeue),
		slog.Duration("requeue_in", delay),
		slog.Any("error", err),
	)

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		c.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Any("error", nackErr),
		)
	}
	return requeue
}
