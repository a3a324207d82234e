package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
	"github.com/google/uuid"
)

// Bus holds the runtime-wide state shared by every endpoint and client: the
// phase tables, the bus-level interceptor lists, the chain cache and the
// transport registry
type Bus struct {
	id        string
	inPhases  *interceptors.PhaseTable
	outPhases *interceptors.PhaseTable
	provider  *interceptors.Provider
	cache     *interceptors.Cache
	registry  *transport.Registry
	logger    *slog.Logger

	mu    sync.RWMutex
	props map[string]interface{}
}

// Option configures a Bus
type Option func(*config)

type config struct {
	id        string
	inNames   []string
	outNames  []string
	registry  *transport.Registry
	logger    *slog.Logger
	cacheOpts []interceptors.CacheOption
}

// WithID sets the bus id
func WithID(id string) Option {
	return func(c *config) {
		c.id = id
	}
}

// WithInPhases replaces the default inbound phase order
func WithInPhases(names ...string) Option {
	return func(c *config) {
		c.inNames = names
	}
}

// WithOutPhases replaces the default outbound phase order
func WithOutPhases(names ...string) Option {
	return func(c *config) {
		c.outNames = names
	}
}

// WithRegistry sets the transport registry
func WithRegistry(r *transport.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheOptions configures the chain cache
func WithCacheOptions(opts ...interceptors.CacheOption) Option {
	return func(c *config) {
		c.cacheOpts = append(c.cacheOpts, opts...)
	}
}

// New creates a bus
func New(opts ...Option) (*Bus, error) {
	cfg := &config{
		id:       uuid.New().String(),
		inNames:  interceptors.InPhaseNames,
		outNames: interceptors.OutPhaseNames,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	in, err := interceptors.NewPhaseTable(cfg.inNames...)
	if err != nil {
		return nil, fmt.Errorf("inbound phases: %w", err)
	}
	out, err := interceptors.NewPhaseTable(cfg.outNames...)
	if err != nil {
		return nil, fmt.Errorf("outbound phases: %w", err)
	}
	if cfg.registry == nil {
		cfg.registry = transport.NewRegistry()
	}

	logger := cfg.logger.With("bus", cfg.id)
	return &Bus{
		id:        cfg.id,
		inPhases:  in,
		outPhases: out,
		provider:  interceptors.NewProvider(),
		cache:     interceptors.NewCache(append([]interceptors.CacheOption{interceptors.WithCacheLogger(logger)}, cfg.cacheOpts...)...),
		registry:  cfg.registry,
		logger:    logger,
		props:     make(map[string]interface{}),
	}, nil
}

// ID returns the bus id
func (b *Bus) ID() string {
	return b.id
}

// InPhases returns the inbound phase table
func (b *Bus) InPhases() *interceptors.PhaseTable {
	return b.inPhases
}

// OutPhases returns the outbound phase table
func (b *Bus) OutPhases() *interceptors.PhaseTable {
	return b.outPhases
}

// Interceptors returns the bus-level interceptor lists
func (b *Bus) Interceptors() *interceptors.Provider {
	return b.provider
}

// Cache returns the chain cache
func (b *Bus) Cache() *interceptors.Cache {
	return b.cache
}

// Registry returns the transport registry
func (b *Bus) Registry() *transport.Registry {
	return b.registry
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Get returns a bus property
func (b *Bus) Get(key string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.props[key]
	return v, ok
}

// Put sets a bus property
func (b *Bus) Put(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.props[key] = value
}

// InChain returns a chain over the inbound phases built from lists
func (b *Bus) InChain(lists []*interceptors.List, opts ...interceptors.ChainOption) (*interceptors.Chain, error) {
	return b.cache.Chain(b.inPhases, lists, b.chainOpts(opts)...)
}

// OutChain returns a chain over the outbound phases built from lists
func (b *Bus) OutChain(lists []*interceptors.List, opts ...interceptors.ChainOption) (*interceptors.Chain, error) {
	return b.cache.Chain(b.outPhases, lists, b.chainOpts(opts)...)
}

func (b *Bus) chainOpts(opts []interceptors.ChainOption) []interceptors.ChainOption {
	return append([]interceptors.ChainOption{interceptors.WithChainLogger(b.logger)}, opts...)
}

// FromExchange returns the bus attached to ex
func FromExchange(ex *contracts.Exchange) (*Bus, bool) {
	if ex == nil {
		return nil, false
	}
	return contracts.Value[*Bus](ex, contracts.KeyBus)
}
