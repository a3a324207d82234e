package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/endpoint"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
	"github.com/google/uuid"
)

var (
	ErrTimeout = errors.New("client: timed out waiting for reply")
	ErrClosed  = errors.New("client: closed")
)

// Option configures a Client
type Option func(*Client)

// WithTimeout sets how long Invoke waits for a reply
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithDecoupledEndpoint makes the client ask for replies at address, served
// by a destination the client owns
func WithDecoupledEndpoint(address string) Option {
	return func(c *Client) {
		c.decoupledAddress = address
	}
}

// WithBinding replaces the default binding
func WithBinding(b *endpoint.Binding) Option {
	return func(c *Client) {
		c.binding = b
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client invokes operations on a remote endpoint through the bus chains
type Client struct {
	bus              *bus.Bus
	target           *transport.EndpointReference
	conduit          transport.Conduit
	binding          *endpoint.Binding
	provider         *interceptors.Provider
	tracker          *RequestTracker
	timeout          time.Duration
	decoupledAddress string
	decoupled        transport.Destination
	logger           *slog.Logger

	closeOnce sync.Once
	stop      chan struct{}
}

// New creates a client for target
func New(ctx context.Context, b *bus.Bus, target *transport.EndpointReference, opts ...Option) (*Client, error) {
	c := &Client{
		bus:      b,
		target:   target,
		provider: interceptors.NewProvider(),
		tracker:  NewRequestTracker(),
		timeout:  30 * time.Second,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.binding == nil {
		c.binding = endpoint.NewBinding("client")
	}
	c.logger = c.logger.With("target", target.Address)

	c.provider.Out().Add(endpoint.NewMessageSenderInterceptor())
	c.provider.In().Add(&responseInterceptor{
		Base:   interceptors.NewBase("ClientResponseInterceptor", interceptors.PhaseInvoke),
		client: c,
	})

	conduit, err := b.Registry().Conduit(ctx, target)
	if err != nil {
		return nil, err
	}
	conduit.SetObserver(c)
	c.conduit = conduit

	if c.decoupledAddress != "" {
		dest, err := b.Registry().Destination(ctx, transport.NewEndpointReference(c.decoupledAddress))
		if err != nil {
			_ = conduit.Close()
			return nil, fmt.Errorf("decoupled endpoint: %w", err)
		}
		dest.SetObserver(c)
		if err := dest.Start(ctx); err != nil {
			_ = conduit.Close()
			return nil, fmt.Errorf("decoupled endpoint: %w", err)
		}
		c.decoupled = dest
	}

	go c.reap()
	return c, nil
}

// Interceptors returns the client-level interceptor lists
func (c *Client) Interceptors() *interceptors.Provider {
	return c.provider
}

// Tracker returns the request tracker
func (c *Client) Tracker() *RequestTracker {
	return c.tracker
}

// Target returns the reference requests are sent to
func (c *Client) Target() *transport.EndpointReference {
	return c.target
}

// Invoke sends payload to operation and waits for the reply
func (c *Client) Invoke(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	resp, err := c.InvokeMessage(ctx, operation, payload)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// InvokeMessage is Invoke returning the reply message as well
func (c *Client) InvokeMessage(ctx context.Context, operation string, payload []byte) (Response, error) {
	select {
	case <-c.stop:
		return Response{}, ErrClosed
	default:
	}

	out, correlationID := c.request(operation, payload, false)
	pending, err := c.tracker.Track(&TrackedRequest{
		CorrelationID: correlationID,
		Operation:     operation,
		Timeout:       c.timeout,
	})
	if err != nil {
		return Response{}, err
	}

	if err := c.send(ctx, out); err != nil {
		c.tracker.Forget(correlationID)
		return Response{}, err
	}
	_ = c.tracker.UpdateStatus(correlationID, RequestStatusSent)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-pending:
		c.tracker.Forget(correlationID)
		return resp, resp.Err
	case <-timer.C:
		c.tracker.Forget(correlationID)
		return Response{}, fmt.Errorf("%w: %s after %v", ErrTimeout, operation, c.timeout)
	case <-ctx.Done():
		c.tracker.Forget(correlationID)
		return Response{}, ctx.Err()
	}
}

// InvokeOneWay sends payload to operation without waiting for a reply
func (c *Client) InvokeOneWay(ctx context.Context, operation string, payload []byte) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	out, _ := c.request(operation, payload, true)
	return c.send(ctx, out)
}

func (c *Client) request(operation string, payload []byte, oneWay bool) (*contracts.Message, string) {
	correlationID := uuid.New().String()

	ex := contracts.NewExchange()
	ex.Put(contracts.KeyBus, c.bus)
	ex.Put(contracts.KeyBinding, c.binding)
	ex.Put(contracts.KeyConduit, c.conduit)
	ex.SetOneWay(oneWay)

	out := contracts.NewMessage()
	out.Put(contracts.KeyRequestor, true)
	out.SetCorrelationID(correlationID)
	out.Put(contracts.KeyOperation, operation)
	out.Put(contracts.KeyPayload, payload)
	ex.SetOutMessage(out)

	ap := &transport.AddressingProperties{
		To:        c.target,
		MessageID: correlationID,
		Action:    operation,
	}
	switch {
	case oneWay:
		ap.ReplyTo = transport.NewEndpointReference(transport.NoneAddress)
	case c.decoupled != nil:
		ap.ReplyTo = c.decoupled.Address()
	}
	transport.SetAddressing(out, ap)
	return out, correlationID
}

func (c *Client) send(ctx context.Context, out *contracts.Message) error {
	chain, err := c.bus.OutChain([]*interceptors.List{
		c.bus.Interceptors().Out(),
		c.provider.Out(),
		c.binding.Interceptors().Out(),
	})
	if err != nil {
		return err
	}
	if _, err := chain.Run(ctx, out); err != nil {
		return fmt.Errorf("send %s: %w", out.GetString(contracts.KeyOperation), err)
	}
	return nil
}

// OnMessage receives replies from the conduit and the decoupled destination
func (c *Client) OnMessage(ctx context.Context, msg *contracts.Message) {
	if transport.IsPartialResponse(msg) {
		if err := c.tracker.UpdateStatus(msg.CorrelationID(), RequestStatusAcknowledged); err != nil {
			c.logger.Debug("acknowledgement for unknown request", "correlationId", msg.CorrelationID())
		}
		transport.NewDrainObserver(c.logger).OnMessage(ctx, msg)
		return
	}

	ex := msg.Exchange()
	if ex == nil {
		ex = contracts.NewExchange()
	}
	ex.SetInMessage(msg)
	ex.Put(contracts.KeyBus, c.bus)
	ex.Put(contracts.KeyBinding, c.binding)
	msg.Put(contracts.KeyRequestor, true)
	msg.Put(contracts.KeyInbound, true)

	chain, err := c.bus.InChain([]*interceptors.List{
		c.bus.Interceptors().In(),
		c.provider.In(),
		c.binding.Interceptors().In(),
	}, interceptors.WithFaultObserver(contracts.MessageObserverFunc(c.onFault)))
	if err != nil {
		c.logger.Error("cannot build reply chain", "correlationId", msg.CorrelationID(), "error", err)
		_ = c.tracker.Fail(msg.CorrelationID(), err)
		return
	}
	if _, err := chain.Run(ctx, msg); err != nil {
		c.logger.Debug("reply chain faulted", "correlationId", msg.CorrelationID(), "error", err)
	}
}

// onFault fails the request whose reply could not be processed
func (c *Client) onFault(ctx context.Context, fm *contracts.Message) {
	if err := c.tracker.Fail(fm.CorrelationID(), fm.Fault()); err != nil {
		c.logger.Warn("reply fault for unknown request", "correlationId", fm.CorrelationID(), "error", fm.Fault())
	}
}

func (c *Client) reap() {
	interval := c.timeout
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.tracker.CleanupExpired(5 * time.Minute); n > 0 {
				c.logger.Warn("requests timed out", "count", n)
			}
		}
	}
}

// Close releases the conduit and the decoupled destination
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.conduit.Close()
		if c.decoupled != nil {
			if derr := c.decoupled.Shutdown(ctx); err == nil {
				err = derr
			}
		}
	})
	return err
}

type responseInterceptor struct {
	interceptors.Base
	client *Client
}

func (i *responseInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	var body []byte
	if in := msg.Input(); in != nil {
		b, err := io.ReadAll(in)
		if err != nil {
			return interceptors.Fault(fmt.Errorf("read reply: %w", err))
		}
		body = b
	}

	id := msg.CorrelationID()
	var err error
	if fault := endpoint.DecodeFault(msg, body); fault != nil {
		err = i.client.tracker.Fail(id, fault)
	} else {
		err = i.client.tracker.Complete(id, msg, body)
	}
	if err != nil {
		i.client.logger.Debug("reply dropped", "correlationId", id, "error", err)
	}
	return interceptors.Continue()
}
