// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/client"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/dispatch"
	"github.com/glimte/mmate-rpc/endpoint"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/metrics"
	"github.com/glimte/mmate-rpc/transport"
	"github.com/glimte/mmate-rpc/transports/local"
	natsTransport "github.com/glimte/mmate-rpc/transports/nats"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// DefaultShutdownTimeout bounds Close in the command line tools
const DefaultShutdownTimeout = 10 * time.Second

var (
	ErrUnknownService = errors.New("mmate: no service registered for endpoint")
	ErrRuntimeClosed  = errors.New("mmate: runtime closed")
)

// Runtime owns a bus, its transports and everything served or invoked
// through it
type Runtime struct {
	cfg      *config.Config
	bus      *bus.Bus
	local    *local.Transport
	amqp     *rabbitmqTransport.Transport
	nats     *natsTransport.Transport
	retry    reliability.RetryPolicy
	breakers *reliability.BreakerSet
	health   *health.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	servers []*dispatch.Server
	clients []*client.Client
	closed  bool
}

// Option configures the runtime
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegisterer exports chain and cache metrics to reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// New builds a runtime from cfg. The local transport is always registered;
// amqp and nats are connected when their URL is configured. A nil cfg uses
// config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	retry, err := reliability.NewPolicy(cfg.Retry)
	if err != nil {
		return nil, err
	}

	reg := transport.NewRegistry()
	busOpts := []bus.Option{bus.WithRegistry(reg), bus.WithLogger(o.logger)}
	if cfg.Bus.ID != "" {
		busOpts = append(busOpts, bus.WithID(cfg.Bus.ID))
	}
	if len(cfg.Bus.InPhases) > 0 {
		busOpts = append(busOpts, bus.WithInPhases(cfg.Bus.InPhases...))
	}
	if len(cfg.Bus.OutPhases) > 0 {
		busOpts = append(busOpts, bus.WithOutPhases(cfg.Bus.OutPhases...))
	}
	b, err := bus.New(busOpts...)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:      cfg,
		bus:      b,
		retry:    retry,
		breakers: reliability.NewBreakerSet(reliability.WithBreakerLogger(b.Logger())),
		health:   health.NewRegistry(),
		logger:   b.Logger(),
	}
	if cfg.Bus.LogMessages {
		b.Interceptors().In().Add(interceptors.NewLoggingInterceptor(r.logger))
	}
	if cfg.Bus.DuplicateDetection {
		detector := interceptors.NewMemoryDuplicateDetector(cfg.Bus.DuplicateRetention)
		b.Interceptors().In().Add(interceptors.NewDuplicateDetectionInterceptor(detector))
	}
	r.health.SetMetadata("bus", b.ID())
	r.health.Register(health.NewCacheChecker(b.Cache(), 1000))
	r.health.Register(health.NewGoroutineChecker(5000, 50000))

	r.local = local.New(local.WithLogger(r.logger))
	r.local.Register(reg)

	if err := r.connect(ctx); err != nil {
		_ = r.closeTransports(ctx)
		return nil, err
	}

	if o.registerer != nil {
		if err := r.instrument(o.registerer); err != nil {
			_ = r.closeTransports(ctx)
			return nil, err
		}
	}
	return r, nil
}

func (r *Runtime) connect(ctx context.Context) error {
	if amqpCfg := r.cfg.Transports.AMQP; amqpCfg.Enabled() {
		t, err := rabbitmqTransport.New(ctx, amqpCfg.URL,
			rabbitmqTransport.WithLogger(r.logger),
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithLogger(r.logger),
				rabbitmq.WithReconnectDelay(amqpCfg.ReconnectDelay),
			),
			rabbitmqTransport.WithPublisherOptions(rabbitmq.WithConfirmTimeout(amqpCfg.ConfirmTimeout)),
			rabbitmqTransport.WithDurableQueues(amqpCfg.DurableQueues),
			rabbitmqTransport.WithFIFOMode(amqpCfg.FIFO),
			rabbitmqTransport.WithPrefetch(amqpCfg.Prefetch),
		)
		if err != nil {
			return fmt.Errorf("amqp transport: %w", err)
		}
		t.Register(r.bus.Registry())
		r.amqp = t
		r.health.Register(health.NewConnectionChecker("amqp", t))
	}

	if natsCfg := r.cfg.Transports.NATS; natsCfg.Enabled() {
		t, err := natsTransport.New(ctx, natsCfg.URL,
			natsTransport.WithLogger(r.logger),
			natsTransport.WithName(natsCfg.Name),
			natsTransport.WithQueueGroup(natsCfg.QueueGroup),
			natsTransport.WithReconnectWait(natsCfg.ReconnectWait),
		)
		if err != nil {
			return fmt.Errorf("nats transport: %w", err)
		}
		t.Register(r.bus.Registry())
		r.nats = t
		r.health.Register(health.NewConnectionChecker("nats", t))
	}
	return nil
}

func (r *Runtime) instrument(reg prometheus.Registerer) error {
	collector, err := metrics.NewCollector(reg, metrics.WithConstLabels(prometheus.Labels{"bus": r.bus.ID()}))
	if err != nil {
		return err
	}
	interceptors.InstallMetrics(r.bus.Interceptors(), collector)
	return metrics.RegisterCache(reg, r.bus.Cache(), prometheus.Labels{"bus": r.bus.ID()})
}

// Bus returns the runtime's bus
func (r *Runtime) Bus() *bus.Bus {
	return r.bus
}

// Config returns the configuration the runtime was built from
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Health returns the health check registry
func (r *Runtime) Health() *health.Registry {
	return r.health
}

// NewEndpoint creates an endpoint whose outgoing chains retry and trip
// breakers according to the runtime's retry policy
func (r *Runtime) NewEndpoint(name, address string, svc *endpoint.Service, opts ...endpoint.Option) *endpoint.Endpoint {
	logger := r.logger.With("service", svc.Name())
	outgoing := endpoint.NewOutgoingChainInterceptor(
		endpoint.WithRetryPolicy(r.retry),
		endpoint.WithBreakers(r.breakers),
		endpoint.WithOutgoingLogger(logger),
	)
	base := []endpoint.Option{endpoint.WithOutgoing(outgoing), endpoint.WithLogger(logger)}
	return endpoint.New(name, address, svc, append(base, opts...)...)
}

// Serve publishes ep on its address and starts receiving
func (r *Runtime) Serve(ctx context.Context, ep *endpoint.Endpoint) (*dispatch.Server, error) {
	srv, err := dispatch.NewServer(ctx, r.bus, ep, dispatch.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	return r.start(ctx, srv)
}

// ServeMultiplex publishes eps on one shared address
func (r *Runtime) ServeMultiplex(ctx context.Context, address string, eps []*endpoint.Endpoint) (*dispatch.Server, error) {
	srv, err := dispatch.NewMultiplexServer(ctx, r.bus, address, eps, dispatch.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	return r.start(ctx, srv)
}

func (r *Runtime) start(ctx context.Context, srv *dispatch.Server) (*dispatch.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	r.servers = append(r.servers, srv)
	return srv, nil
}

// ServeConfigured publishes every endpoint of the configuration, looking up
// services by name. Endpoints sharing an address are multiplexed.
func (r *Runtime) ServeConfigured(ctx context.Context, services map[string]*endpoint.Service) ([]*dispatch.Server, error) {
	var servers []*dispatch.Server
	for _, group := range r.cfg.EndpointGroups() {
		eps := make([]*endpoint.Endpoint, 0, len(group))
		for _, epCfg := range group {
			svc, ok := services[epCfg.ServiceName()]
			if !ok {
				return servers, fmt.Errorf("%w: %s wants %q", ErrUnknownService, epCfg.Name, epCfg.ServiceName())
			}
			opts := []endpoint.Option{endpoint.WithID(epCfg.EndpointID())}
			if epCfg.DecoupledReplyTo != "" {
				opts = append(opts, endpoint.WithDecoupledReplyTo(epCfg.DecoupledReplyTo))
			}
			ep := r.NewEndpoint(epCfg.Name, epCfg.Address, svc, opts...)
			if len(epCfg.Operations) > 0 {
				filter := interceptors.NewFilteringInterceptor(interceptors.PhasePreInvoke,
					interceptors.NewOperationFilter(epCfg.Operations...), interceptors.SkipWithError)
				ep.Interceptors().In().Add(filter.WithLogger(r.logger))
			}
			eps = append(eps, ep)
		}

		var (
			srv *dispatch.Server
			err error
		)
		if len(eps) == 1 {
			srv, err = r.Serve(ctx, eps[0])
		} else {
			srv, err = r.ServeMultiplex(ctx, group[0].Address, eps)
		}
		if err != nil {
			return servers, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// NewClient creates a client for target. The configured timeout and
// decoupled endpoint apply unless opts override them.
func (r *Runtime) NewClient(ctx context.Context, target *transport.EndpointReference, opts ...client.Option) (*client.Client, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRuntimeClosed
	}

	base := []client.Option{client.WithLogger(r.logger)}
	if r.cfg.Client.Timeout > 0 {
		base = append(base, client.WithTimeout(r.cfg.Client.Timeout))
	}
	if r.cfg.Client.DecoupledEndpoint != "" {
		base = append(base, client.WithDecoupledEndpoint(r.cfg.Client.DecoupledEndpoint))
	}
	c, err := client.New(ctx, r.bus, target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
	return c, nil
}

// Close stops every server and client, then the transports
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	servers, clients := r.servers, r.clients
	r.servers, r.clients = nil, nil
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.closeTransports(ctx); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("runtime closed", "servers", len(servers), "clients", len(clients))
	return errors.Join(errs...)
}

func (r *Runtime) closeTransports(ctx context.Context) error {
	var errs []error
	if r.amqp != nil {
		errs = append(errs, r.amqp.Close(ctx))
	}
	if r.nats != nil {
		errs = append(errs, r.nats.Close(ctx))
	}
	if r.local != nil {
		errs = append(errs, r.local.Close(ctx))
	}
	return errors.Join(errs...)
}
