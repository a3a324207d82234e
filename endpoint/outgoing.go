package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/transport"
	"github.com/google/uuid"
)

// OutgoingOption configures an OutgoingChainInterceptor
type OutgoingOption func(*OutgoingChainInterceptor)

// WithRetryPolicy sets the policy for resolving decoupled reply targets
func WithRetryPolicy(policy reliability.RetryPolicy) OutgoingOption {
	return func(i *OutgoingChainInterceptor) {
		if policy != nil {
			i.policy = policy
		}
	}
}

// WithBreakers sets the per-target circuit breakers guarding decoupled
// reply targets
func WithBreakers(set *reliability.BreakerSet) OutgoingOption {
	return func(i *OutgoingChainInterceptor) {
		if set != nil {
			i.breakers = set
		}
	}
}

// WithOutgoingLogger sets the logger
func WithOutgoingLogger(logger *slog.Logger) OutgoingOption {
	return func(i *OutgoingChainInterceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// OutgoingChainInterceptor ends the inbound chain of a request-response
// exchange: it creates the reply, negotiates its back-channel and runs the
// outbound chain
type OutgoingChainInterceptor struct {
	interceptors.Base
	policy   reliability.RetryPolicy
	breakers *reliability.BreakerSet
	logger   *slog.Logger
}

// NewOutgoingChainInterceptor creates the post-invoke reply interceptor
func NewOutgoingChainInterceptor(opts ...OutgoingOption) *OutgoingChainInterceptor {
	i := &OutgoingChainInterceptor{
		Base:     interceptors.NewBase("OutgoingChainInterceptor", interceptors.PhasePostInvoke),
		policy:   reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		breakers: reliability.NewBreakerSet(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle implements interceptors.Interceptor
func (i *OutgoingChainInterceptor) Handle(ctx context.Context, in *contracts.Message) interceptors.Result {
	ex := in.Exchange()
	if ex == nil || ex.IsOneWay() {
		return interceptors.Continue()
	}
	b, ok := bus.FromExchange(ex)
	if !ok {
		return interceptors.Fault(ErrNoBus)
	}
	ep, ok := FromExchange(ex)
	if !ok {
		return interceptors.Fault(ErrNoEndpoint)
	}
	dest, ok := transport.DestinationFrom(ex)
	if !ok {
		return interceptors.Fault(transport.ErrNoBackChannel)
	}

	target := ReplyTarget(in)
	conduit, err := i.backChannel(ctx, dest, in, target)
	if err != nil {
		return interceptors.Fault(err)
	}
	if !target.IsAnonymous() {
		defer closeConduit(i.logger, conduit, in)
	}

	out := ex.OutMessage()
	if out == nil {
		out = contracts.NewMessage()
		ex.SetOutMessage(out)
	}
	out.SetCorrelationID(in.CorrelationID())
	out.Put(contracts.KeyOperation, in.GetString(contracts.KeyOperation))
	out.Put(contracts.KeyConduit, conduit)
	if result, ok := ex.Get(contracts.KeyResult); ok {
		out.Put(contracts.KeyPayload, result)
	}
	transport.SetAddressing(out, ReplyAddressing(in, target))

	chain, err := b.OutChain(ep.OutLists(b))
	if err != nil {
		return interceptors.Fault(err)
	}
	if _, err := chain.Run(ctx, out); err != nil {
		return interceptors.Fault(fmt.Errorf("reply: %w", err))
	}
	return interceptors.Continue()
}

// backChannel resolves the reply conduit. For a decoupled target the
// requestor is acknowledged over the in-built channel first.
func (i *OutgoingChainInterceptor) backChannel(ctx context.Context, dest transport.Destination, in *contracts.Message, target *transport.EndpointReference) (transport.Conduit, error) {
	if target.IsAnonymous() {
		return dest.BackChannel(ctx, in, nil, nil)
	}

	partial := contracts.NewMessage()
	partial.SetCorrelationID(in.CorrelationID())
	if ack, err := dest.BackChannel(ctx, in, partial, target); err != nil {
		i.logger.Warn("partial response channel unavailable", "messageId", in.ID(), "error", err)
	} else {
		i.acknowledge(ctx, ack, partial, in)
	}

	var conduit transport.Conduit
	err := reliability.Retry(ctx, i.policy, func() error {
		return i.breakers.Execute(ctx, target.Address, func() error {
			c, err := dest.BackChannel(ctx, in, nil, target)
			if err != nil {
				return err
			}
			conduit = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return conduit, nil
}

func (i *OutgoingChainInterceptor) acknowledge(ctx context.Context, ack transport.Conduit, partial, in *contracts.Message) {
	setHeader(partial, transport.HeaderCorrelationID, in.CorrelationID())
	if ap, ok := transport.AddressingFrom(in); ok {
		setHeader(partial, transport.HeaderRelatesTo, ap.MessageID)
	}

	err := ack.Prepare(ctx, partial)
	if err == nil {
		err = ack.Send(ctx, partial)
	}
	_ = ack.CloseMessage(partial)
	if err != nil {
		i.logger.Warn("partial response failed", "messageId", in.ID(), "error", err)
	}
}

// closeConduit releases a decoupled back-channel once the message on it was
// sent. In-built back-channels belong to the destination.
func closeConduit(logger *slog.Logger, c transport.Conduit, in *contracts.Message) {
	if err := c.Close(); err != nil {
		logger.Warn("closing back-channel failed",
			"messageId", in.ID(),
			"target", c.Target().String(),
			"error", err,
		)
	}
}

// ReplyTarget returns where the reply to in goes: a configured decoupled
// address, the requestor's reply-to, or nil for the in-built channel
func ReplyTarget(in *contracts.Message) *transport.EndpointReference {
	if v, ok := in.Get(contracts.KeyDecoupledReplyTo); ok {
		if ref, ok := v.(*transport.EndpointReference); ok && !ref.IsAnonymous() {
			return ref
		}
	}
	if ap, ok := transport.AddressingFrom(in); ok && !ap.ReplyTo.IsAnonymous() && !ap.ReplyTo.IsNone() {
		return ap.ReplyTo
	}
	return nil
}

// FaultTarget returns where a fault for in goes: fault-to, then the reply
// target
func FaultTarget(in *contracts.Message) *transport.EndpointReference {
	if ap, ok := transport.AddressingFrom(in); ok && !ap.FaultTo.IsAnonymous() && !ap.FaultTo.IsNone() {
		return ap.FaultTo
	}
	return ReplyTarget(in)
}

// ExpectsReply reports whether the requestor asked for no reply at all
func ExpectsReply(in *contracts.Message) bool {
	ap, ok := transport.AddressingFrom(in)
	return !ok || !ap.ReplyTo.IsNone()
}

// ReplyAddressing builds the addressing properties of a reply to in
func ReplyAddressing(in *contracts.Message, target *transport.EndpointReference) *transport.AddressingProperties {
	reply := &transport.AddressingProperties{
		MessageID: uuid.New().String(),
		To:        target,
	}
	if ap, ok := transport.AddressingFrom(in); ok {
		reply.RelatesTo = ap.MessageID
		reply.Action = ap.Action
	}
	return reply
}
