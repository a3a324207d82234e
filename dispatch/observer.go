package dispatch

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/endpoint"
	"github.com/glimte/mmate-rpc/interceptors"
)

// Option configures an observer
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ChainInitiationObserver starts the inbound chain of one endpoint for every
// message its destination delivers
type ChainInitiationObserver struct {
	bus      *bus.Bus
	endpoint *endpoint.Endpoint
	logger   *slog.Logger
}

// NewChainInitiationObserver creates the observer for ep
func NewChainInitiationObserver(b *bus.Bus, ep *endpoint.Endpoint, opts ...Option) *ChainInitiationObserver {
	o := applyOptions(opts)
	return &ChainInitiationObserver{
		bus:      b,
		endpoint: ep,
		logger:   o.logger.With("endpoint", ep.Name()),
	}
}

// Endpoint returns the endpoint served
func (o *ChainInitiationObserver) Endpoint() *endpoint.Endpoint {
	return o.endpoint
}

// OnMessage implements contracts.MessageObserver
func (o *ChainInitiationObserver) OnMessage(ctx context.Context, msg *contracts.Message) {
	if resumePaused(ctx, msg, o.logger) {
		return
	}

	ex := prepareExchange(o.bus, msg)
	bindEndpoint(ex, msg, o.endpoint)

	faultChain, err := o.bus.InChain(o.endpoint.InFaultLists(o.bus))
	if err != nil {
		o.logger.Error("cannot build inbound fault chain", "messageId", msg.ID(), "error", err)
		return
	}
	chain, err := o.bus.InChain(o.endpoint.InLists(o.bus),
		interceptors.WithFaultChain(faultChain),
		interceptors.WithFaultObserver(o.endpoint.FaultObserver()),
	)
	if err != nil {
		o.logger.Error("cannot build inbound chain", "messageId", msg.ID(), "error", err)
		return
	}
	run(ctx, chain, msg, o.logger)
}

// resumePaused continues the chain of a message that comes back after its
// chain paused. It reports whether msg was handled that way.
func resumePaused(ctx context.Context, msg *contracts.Message, logger *slog.Logger) bool {
	chain := interceptors.ChainOf(msg)
	if chain == nil || chain.State() != contracts.ChainPaused {
		return false
	}
	if _, err := chain.Resume(ctx, msg); err != nil {
		logger.Warn("resume failed", "messageId", msg.ID(), "error", err)
	}
	return true
}

func prepareExchange(b *bus.Bus, msg *contracts.Message) *contracts.Exchange {
	ex := msg.Exchange()
	if ex == nil {
		ex = contracts.NewExchange()
	}
	ex.SetInMessage(msg)
	ex.Put(contracts.KeyBus, b)
	msg.Put(contracts.KeyInbound, true)
	msg.Put(contracts.KeyRequestor, false)
	return ex
}

// bindEndpoint attaches ep to the exchange and applies its reply settings
func bindEndpoint(ex *contracts.Exchange, msg *contracts.Message, ep *endpoint.Endpoint) {
	ep.Attach(ex)
	if ref := ep.DecoupledReplyTo(); ref != nil {
		msg.Put(contracts.KeyDecoupledReplyTo, ref)
	}
	if !endpoint.ExpectsReply(msg) {
		ex.SetOneWay(true)
	}
}

func run(ctx context.Context, chain *interceptors.Chain, msg *contracts.Message, logger *slog.Logger) {
	st, err := chain.Run(ctx, msg)
	if err != nil {
		logger.Error("inbound chain failed",
			"messageId", msg.ID(),
			"state", st.String(),
			"error", err,
		)
		return
	}
	logger.Debug("inbound chain finished", "messageId", msg.ID(), "state", st.String())
}
