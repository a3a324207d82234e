package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
)

const (
	// Scheme is the URI scheme of in-process addresses, e.g. "local:orders"
	Scheme = "local"

	// Namespace is the transport namespace
	Namespace = "urn:mmate:transport:local"

	keyReplyConduit = "mmate.local.replyConduit"
)

var (
	ErrAddressInUse  = errors.New("local: address already in use")
	ErrNoDestination = errors.New("local: no destination listening")
)

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport delivers messages between conduits and destinations of the same
// process. Deliveries run on their own goroutine, as they would for a
// network transport.
type Transport struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
	registry     *transport.Registry
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// New creates an in-process transport
func New(opts ...Option) *Transport {
	t := &Transport{
		destinations: make(map[string]*Destination),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transport", Scheme)
	return t
}

// Register installs the transport in reg for the local scheme and
// namespace. Decoupled replies are resolved through reg.
func (t *Transport) Register(reg *transport.Registry) {
	t.mu.Lock()
	t.registry = reg
	t.mu.Unlock()
	reg.RegisterConduitInitiator(t, Scheme, Namespace)
	reg.RegisterDestinationFactory(t, Scheme, Namespace)
}

// Conduit implements transport.ConduitInitiator
func (t *Transport) Conduit(ctx context.Context, target *transport.EndpointReference) (transport.Conduit, error) {
	if target.Scheme() != Scheme {
		return nil, &transport.ResolutionError{Target: target.String(), Kind: "conduit", Err: transport.ErrInvalidAddress}
	}
	return &Conduit{ConduitBase: transport.NewConduitBase(target), t: t}, nil
}

// Destination implements transport.DestinationFactory
func (t *Transport) Destination(ctx context.Context, ref *transport.EndpointReference) (transport.Destination, error) {
	if ref.Scheme() != Scheme {
		return nil, &transport.ResolutionError{Target: ref.String(), Kind: "destination", Err: transport.ErrInvalidAddress}
	}
	t.mu.RLock()
	reg := t.registry
	t.mu.RUnlock()

	d := &Destination{
		Multiplexer: transport.NewMultiplexer(ref),
		t:           t,
	}
	d.DestinationBase = transport.NewDestinationBase(ref, d,
		transport.WithRegistry(reg),
		transport.WithDestinationLogger(t.logger),
	)
	return d, nil
}

// Wait blocks until every delivery in flight has finished
func (t *Transport) Wait() {
	t.wg.Wait()
}

// Close shuts down every started destination
func (t *Transport) Close(ctx context.Context) error {
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
	t.wg.Wait()
	return errors.Join(errs...)
}

func (t *Transport) lookup(address string) (*Destination, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.destinations[address]
	return d, ok
}

func (t *Transport) dispatch(ctx context.Context, fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// Destination is an in-process listening address
type Destination struct {
	*transport.DestinationBase
	transport.Multiplexer
	t *Transport
}

// Start implements transport.Destination
func (d *Destination) Start(ctx context.Context) error {
	if d.Closed() {
		return transport.ErrDestinationClosed
	}
	addr := d.Address().Address

	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	if other, ok := d.t.destinations[addr]; ok && other != d {
		return fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	d.t.destinations[addr] = d
	return nil
}

// Shutdown implements transport.Destination
func (d *Destination) Shutdown(ctx context.Context) error {
	if !d.MarkClosed() {
		return nil
	}
	addr := d.Address().Address

	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	if d.t.destinations[addr] == d {
		delete(d.t.destinations, addr)
	}
	return nil
}

// InbuiltBackChannel implements transport.BackChannelProvider: replies go
// straight to the conduit the request came from
func (d *Destination) InbuiltBackChannel(ctx context.Context, in *contracts.Message) (transport.Conduit, error) {
	v, ok := in.Get(keyReplyConduit)
	if !ok {
		return nil, transport.ErrNoBackChannel
	}
	requester, ok := v.(*Conduit)
	if !ok {
		return nil, transport.ErrNoBackChannel
	}
	return &backChannel{
		ConduitBase: transport.NewConduitBase(transport.NewEndpointReference(transport.AnonymousAddress)),
		requester:   requester,
	}, nil
}

// MarkPartialResponse implements transport.BackChannelProvider
func (d *Destination) MarkPartialResponse(partial *contracts.Message, target *transport.EndpointReference) {
	transport.MarkPartial(partial, target)
}

// Conduit sends to a local destination and receives its in-built replies
type Conduit struct {
	*transport.ConduitBase
	t *Transport
}

// Send implements transport.Conduit
func (c *Conduit) Send(ctx context.Context, msg *contracts.Message) error {
	if c.Closed() {
		return transport.ErrConduitClosed
	}
	payload, err := transport.Payload(msg)
	if err != nil {
		return err
	}
	dest, ok := c.t.lookup(c.Target().Address)
	if !ok {
		return &transport.SendError{Target: c.Target().Address, MessageID: msg.ID(), Err: ErrNoDestination}
	}

	in := transport.NewInboundMessage(append([]byte(nil), payload...), msg.CopyHeaders())
	in.Put(keyReplyConduit, c)
	c.t.dispatch(ctx, func(ctx context.Context) {
		dest.Deliver(ctx, dest, in)
	})
	return nil
}

type backChannel struct {
	*transport.ConduitBase
	requester *Conduit
}

func (b *backChannel) Send(ctx context.Context, msg *contracts.Message) error {
	payload, err := transport.Payload(msg)
	if err != nil {
		return err
	}
	in := transport.NewInboundMessage(append([]byte(nil), payload...), msg.CopyHeaders())
	b.requester.t.dispatch(ctx, func(ctx context.Context) {
		b.requester.Deliver(ctx, in)
	})
	return nil
}

var (
	_ transport.MultiplexDestination = (*Destination)(nil)
	_ transport.Conduit              = (*Conduit)(nil)
)
