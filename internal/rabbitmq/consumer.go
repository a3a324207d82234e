package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// SubscribeOptions tune a single subscription
type SubscribeOptions struct {
	AutoAck   bool
	Exclusive bool
	// Prefetch overrides the consumer's prefetch count when positive
	Prefetch int
}

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	handlerTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
	closed bool
}

type subscription struct {
	queue   string
	tag     string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandlerTimeout bounds every handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		active:         make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming queue on a dedicated channel. Without AutoAck
// a delivery is acked when handler succeeds and rejected otherwise; a first
// failure is requeued once.
func (c *Consumer) Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrConsumerClosed, Timestamp: time.Now()}
	}
	if _, exists := c.active[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadyConsuming, Timestamp: time.Now()}
	}
	c.mu.Unlock()

	tag := "mmate-" + uuid.New().String()
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	prefetch := c.prefetchCount
	if opts.Prefetch > 0 {
		prefetch = opts.Prefetch
	}
	if !opts.AutoAck && prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			c.pool.Discard(ch)
			return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := ch.Consume(queue, tag, opts.AutoAck, opts.Exclusive, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.active[queue]; exists || c.closed {
		c.mu.Unlock()
		cancel()
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: ErrAlreadyConsuming, Timestamp: time.Now()}
	}
	c.active[queue] = sub
	c.mu.Unlock()

	go c.process(subCtx, sub, deliveries, opts.AutoAck, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
	)
	return nil
}

func (c *Consumer) process(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, autoAck bool, handler MessageHandler) {
	defer func() {
		c.pool.Discard(sub.channel)
		c.mu.Lock()
		if c.active[sub.queue] == sub {
			delete(c.active, sub.queue)
		}
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}
			c.handle(ctx, sub.queue, delivery, autoAck, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, delivery amqp.Delivery, autoAck bool, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"queue", queue,
			"messageId", delivery.MessageId,
		)
	}
	if autoAck {
		return
	}

	if err != nil {
		if nackErr := delivery.Nack(false, !delivery.Redelivered); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr, "originalError", err)
		}
		return
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
}

// Unsubscribe stops consuming from queue and waits for the in-flight
// delivery to finish
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNotConsuming, Timestamp: time.Now()}
	}

	if !sub.channel.IsClosed() {
		_ = sub.channel.Cancel(sub.tag, false)
	}
	sub.cancel()
	<-sub.done
	return nil
}

// ActiveQueues returns the queues currently consumed
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}

// Close stops all subscriptions
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.active))
	for _, sub := range c.active {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			if !sub.channel.IsClosed() {
				_ = sub.channel.Cancel(sub.tag, false)
			}
			sub.cancel()
			<-sub.done
		}(sub)
	}
	wg.Wait()
	return nil
}
