package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/contracts"
)

// Destination receives requests on a stable address and negotiates how the
// reply to each of them travels back
type Destination interface {
	// Address is the reference requests are sent to
	Address() *EndpointReference

	// BackChannel returns the conduit for the reply to in. A nil or
	// anonymous target selects the in-built channel. A non-nil partial
	// response is an acknowledgement that goes over the in-built channel
	// while the full reply is sent to target later.
	BackChannel(ctx context.Context, in, partial *contracts.Message, target *EndpointReference) (Conduit, error)

	// SetObserver sets the observer incoming messages are delivered to
	SetObserver(obs contracts.MessageObserver)

	// Observer returns the incoming message observer
	Observer() contracts.MessageObserver

	// Start begins receiving
	Start(ctx context.Context) error

	// Shutdown stops receiving and releases transport resources
	Shutdown(ctx context.Context) error
}

// BackChannelProvider is implemented by concrete transports and plugged into
// DestinationBase
type BackChannelProvider interface {
	// InbuiltBackChannel returns the conduit that answers over the
	// connection in arrived on
	InbuiltBackChannel(ctx context.Context, in *contracts.Message) (Conduit, error)

	// MarkPartialResponse prepares partial as the acknowledgement for a
	// reply that will be sent to target
	MarkPartialResponse(partial *contracts.Message, target *EndpointReference)
}

// DestinationOption configures a DestinationBase
type DestinationOption func(*DestinationBase)

// WithRegistry sets the registry decoupled targets are resolved through
func WithRegistry(r *Registry) DestinationOption {
	return func(d *DestinationBase) {
		d.registry = r
	}
}

// WithDestinationLogger sets the logger
func WithDestinationLogger(logger *slog.Logger) DestinationOption {
	return func(d *DestinationBase) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// DestinationBase implements back-channel negotiation and observer handling.
// Concrete destinations embed it and supply a BackChannelProvider.
type DestinationBase struct {
	address  *EndpointReference
	provider BackChannelProvider
	registry *Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	observer contracts.MessageObserver
	closed   atomic.Bool
}

// NewDestinationBase creates the shared destination state
func NewDestinationBase(address *EndpointReference, provider BackChannelProvider, opts ...DestinationOption) *DestinationBase {
	d := &DestinationBase{
		address:  address,
		provider: provider,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init sets the back-channel provider once the embedding type exists
func (d *DestinationBase) Init(provider BackChannelProvider) {
	d.provider = provider
}

// Address implements Destination
func (d *DestinationBase) Address() *EndpointReference {
	return d.address
}

// Registry returns the registry used for decoupled targets
func (d *DestinationBase) Registry() *Registry {
	return d.registry
}

// Logger returns the destination logger
func (d *DestinationBase) Logger() *slog.Logger {
	return d.logger
}

// BackChannel implements Destination
func (d *DestinationBase) BackChannel(ctx context.Context, in, partial *contracts.Message, target *EndpointReference) (Conduit, error) {
	if target.IsAnonymous() {
		return d.provider.InbuiltBackChannel(ctx, in)
	}

	if partial != nil {
		d.provider.MarkPartialResponse(partial, target)
		return d.provider.InbuiltBackChannel(ctx, in)
	}

	if d.registry == nil {
		return nil, &ResolutionError{Target: target.Address, Kind: "conduit", Err: ErrNoTransport}
	}
	c, err := d.registry.Conduit(ctx, target)
	if err != nil {
		return nil, err
	}
	c.SetObserver(NewDrainObserver(d.logger))

	d.logger.Debug("decoupled back-channel resolved",
		"destination", d.address.Address,
		"target", target.Address,
	)
	return c, nil
}

// SetObserver implements Destination
func (d *DestinationBase) SetObserver(obs contracts.MessageObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = obs
}

// Observer implements Destination
func (d *DestinationBase) Observer() contracts.MessageObserver {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.observer
}

// Deliver hands an incoming message to the observer after attaching the
// destination to its exchange. It reports false when nobody is listening.
func (d *DestinationBase) Deliver(ctx context.Context, self Destination, msg *contracts.Message) bool {
	obs := d.Observer()
	if obs == nil || d.closed.Load() {
		d.logger.Warn("dropping message, destination has no observer",
			"destination", d.address.Address,
			"messageId", msg.ID(),
		)
		return false
	}

	ex := msg.Exchange()
	if ex == nil {
		ex = contracts.NewExchange()
		ex.SetInMessage(msg)
	}
	ex.Put(contracts.KeyDestination, self)
	obs.OnMessage(ctx, msg)
	return true
}

// MarkClosed flags the destination as shut down
func (d *DestinationBase) MarkClosed() bool {
	return d.closed.CompareAndSwap(false, true)
}

// Closed reports whether the destination was shut down
func (d *DestinationBase) Closed() bool {
	return d.closed.Load()
}

// MarkPartial is the default MarkPartialResponse: it flags partial as a
// partial response with an accepted response code
func MarkPartial(partial *contracts.Message, target *EndpointReference) {
	partial.Put(contracts.KeyPartialResponse, true)
	partial.Put(contracts.KeyResponseCode, 202)
	partial.SetHeader(HeaderPartial, "true")
	partial.SetHeader(HeaderResponseCode, "202")
}

// DestinationFrom returns the destination recorded on the exchange
func DestinationFrom(ex *contracts.Exchange) (Destination, bool) {
	if ex == nil {
		return nil, false
	}
	return contracts.Value[Destination](ex, contracts.KeyDestination)
}

// ConduitFrom returns the conduit recorded on the exchange
func ConduitFrom(ex *contracts.Exchange) (Conduit, bool) {
	if ex == nil {
		return nil, false
	}
	return contracts.Value[Conduit](ex, contracts.KeyConduit)
}
