package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/transport"
)

const (
	// Scheme is the URI scheme of AMQP addresses, e.g. "amqp:orders"
	Scheme = "amqp"

	// Namespace is the transport namespace
	Namespace = "urn:mmate:transport:amqp"
)

var ErrNoQueue = errors.New("amqp: address names no queue")

// Config holds the transport configuration
type Config struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption

	// DurableQueues declares destination queues durable
	DurableQueues bool
	// EnableFIFO gives every destination queue a single active consumer
	EnableFIFO bool
	// Prefetch bounds unacknowledged requests per destination
	Prefetch int
	// PendingTTL is how long a conduit waits for a correlated reply before
	// the correlation is forgotten
	PendingTTL time.Duration
	Logger     *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(cfg *Config) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) Option {
	return func(cfg *Config) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(cfg *Config) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) Option {
	return func(cfg *Config) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithDurableQueues declares destination queues durable
func WithDurableQueues(durable bool) Option {
	return func(cfg *Config) {
		cfg.DurableQueues = durable
	}
}

// WithFIFOMode enables FIFO mode for strict request ordering
func WithFIFOMode(enabled bool) Option {
	return func(cfg *Config) {
		cfg.EnableFIFO = enabled
	}
}

// WithPrefetch sets the per-destination prefetch count
func WithPrefetch(n int) Option {
	return func(cfg *Config) {
		cfg.Prefetch = n
	}
}

// WithPendingTTL sets how long correlations of sent requests are kept
func WithPendingTTL(ttl time.Duration) Option {
	return func(cfg *Config) {
		if ttl > 0 {
			cfg.PendingTTL = ttl
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// Transport carries requests over RabbitMQ queues. Every destination
// consumes one queue; in-built replies travel through an exclusive reply
// queue shared by all conduits of the transport and are routed back by
// correlation id.
type Transport struct {
	cfg       Config
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	mu           sync.RWMutex
	registry     *transport.Registry
	destinations map[string]*Destination

	replyMu    sync.Mutex
	replyQueue string
	pending    map[string]pendingReply
}

type pendingReply struct {
	conduit *Conduit
	sentAt  time.Time
}

// New connects to the broker at url
func New(ctx context.Context, url string, opts ...Option) (*Transport, error) {
	cfg := Config{
		DurableQueues: true,
		Prefetch:      10,
		PendingTTL:    5 * time.Minute,
		Logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger.With("transport", Scheme)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		cfg:          cfg,
		manager:      manager,
		pool:         pool,
		publisher:    rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:     rabbitmq.NewConsumer(pool, consOpts...),
		topology:     rabbitmq.NewTopologyManager(pool),
		logger:       logger,
		destinations: make(map[string]*Destination),
		pending:      make(map[string]pendingReply),
	}
	manager.AddStateListener(t)
	return t, nil
}

// Register installs the transport in reg for the amqp scheme and namespace.
// Decoupled replies are resolved through reg.
func (t *Transport) Register(reg *transport.Registry) {
	t.mu.Lock()
	t.registry = reg
	t.mu.Unlock()
	reg.RegisterConduitInitiator(t, Scheme, Namespace)
	reg.RegisterDestinationFactory(t, Scheme, Namespace)
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Conduit implements transport.ConduitInitiator
func (t *Transport) Conduit(ctx context.Context, target *transport.EndpointReference) (transport.Conduit, error) {
	queue, err := QueueName(target)
	if err != nil {
		return nil, &transport.ResolutionError{Target: target.String(), Kind: "conduit", Err: err}
	}
	return &Conduit{ConduitBase: transport.NewConduitBase(target), t: t, queue: queue}, nil
}

// Destination implements transport.DestinationFactory
func (t *Transport) Destination(ctx context.Context, ref *transport.EndpointReference) (transport.Destination, error) {
	queue, err := QueueName(ref)
	if err != nil {
		return nil, &transport.ResolutionError{Target: ref.String(), Kind: "destination", Err: err}
	}
	t.mu.RLock()
	reg := t.registry
	t.mu.RUnlock()

	d := &Destination{
		Multiplexer: transport.NewMultiplexer(ref),
		t:           t,
		queue:       queue,
	}
	d.DestinationBase = transport.NewDestinationBase(ref, d,
		transport.WithRegistry(reg),
		transport.WithDestinationLogger(t.logger),
	)
	return d, nil
}

// Close shuts down every destination and the broker connection
func (t *Transport) Close(ctx context.Context) error {
	t.manager.RemoveStateListener(t)

	t.mu.RLock()
	dests := make([]*Destination, 0, len(t.destinations))
	for _, d := range t.destinations {
		dests = append(dests, d)
	}
	t.mu.RUnlock()

	var errs []error
	for _, d := range dests {
		if err := d.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, t.consumer.Close(), t.pool.Close(), t.manager.Close())
	return errors.Join(errs...)
}

// OnConnected restores the subscriptions lost with the previous connection
func (t *Transport) OnConnected() {
	t.replyMu.Lock()
	old := t.replyQueue
	t.replyQueue = ""
	t.replyMu.Unlock()
	if old != "" {
		_ = t.consumer.Unsubscribe(old)
	}

	t.mu.RLock()
	dests := make([]*Destination, 0, len(t.destinations))
	for _, d := range t.destinations {
		dests = append(dests, d)
	}
	t.mu.RUnlock()

	ctx := context.Background()
	for _, d := range dests {
		if err := d.subscribe(ctx); err != nil {
			t.logger.Error("failed to restore destination", "queue", d.queue, "error", err)
		}
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("broker connection lost", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("reconnecting to broker", "attempt", attempt)
}

// QueueName returns the queue an amqp reference addresses
func QueueName(ref *transport.EndpointReference) (string, error) {
	if ref.Scheme() != Scheme {
		return "", transport.ErrInvalidAddress
	}
	_, queue, _ := strings.Cut(ref.Address, ":")
	queue = strings.TrimPrefix(queue, "//")
	if queue == "" {
		return "", ErrNoQueue
	}
	return queue, nil
}

var _ rabbitmq.ConnectionStateListener = (*Transport)(nil)
