package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on pooled channels and waits for broker
// confirmation
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	confirm        bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout used when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublishRetryDelay sets the base delay between publish retries
func WithPublishRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
		retryDelay:     200 * time.Millisecond,
		confirm:        true,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish publishes msg and, in confirm mode, waits for the broker ack.
// Transient failures are retried with a linear backoff.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
			}
		}

		err := p.publishOnce(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		p.logger.Warn("publish failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: lastErr, Timestamp: time.Now()}
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if p.confirm && !ch.confirming {
		if err := ch.Confirm(false); err != nil {
			p.pool.Discard(ch)
			return fmt.Errorf("enable confirms: %w", err)
		}
		ch.confirming = true
	}

	if !ch.confirming {
		err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
		p.pool.Put(ch)
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(waitCtx)
	if err != nil {
		// the confirm may still arrive; the channel is not reusable
		p.pool.Discard(ch)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrPublishNotConfirmed
		}
		return err
	}
	p.pool.Put(ch)
	if !acked {
		return ErrPublishNacked
	}
	return nil
}
