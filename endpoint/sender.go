package endpoint

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
)

// MessageSenderInterceptor prepares the conduit for the outbound message and
// adds the ending interceptor that sends it once the content is written
type MessageSenderInterceptor struct {
	interceptors.Base
}

// NewMessageSenderInterceptor creates the prepare-send interceptor
func NewMessageSenderInterceptor() *MessageSenderInterceptor {
	return &MessageSenderInterceptor{
		Base: interceptors.NewBase("MessageSenderInterceptor", interceptors.PhasePrepareSend),
	}
}

// Handle implements interceptors.Interceptor
func (i *MessageSenderInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	c, ok := ConduitOf(msg)
	if !ok {
		return interceptors.Fault(transport.ErrNoBackChannel)
	}
	chain := interceptors.ChainOf(msg)
	if chain == nil {
		return interceptors.Fault(ErrNoChain)
	}
	if err := c.Prepare(ctx, msg); err != nil {
		return interceptors.Fault(fmt.Errorf("prepare: %w", err))
	}
	if err := chain.Add(&messageSenderEndingInterceptor{
		Base:    interceptors.NewBase("MessageSenderEndingInterceptor", interceptors.PhasePrepareSendEnding),
		conduit: c,
	}); err != nil {
		return interceptors.Fault(err)
	}
	return interceptors.Continue()
}

// HandleFault releases the prepared content
func (i *MessageSenderInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	if c, ok := ConduitOf(msg); ok {
		_ = c.CloseMessage(msg)
	}
}

type messageSenderEndingInterceptor struct {
	interceptors.Base
	conduit transport.Conduit
}

func (i *messageSenderEndingInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	err := i.conduit.Send(ctx, msg)
	if cerr := i.conduit.CloseMessage(msg); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return interceptors.Fault(err)
	}
	if ex := msg.Exchange(); ex != nil && !msg.IsRequestor() {
		ex.Put(contracts.KeyResponded, true)
	}
	return interceptors.Continue()
}

// ConduitOf returns the conduit msg is sent over: the message's own, or
// the exchange's
func ConduitOf(msg *contracts.Message) (transport.Conduit, bool) {
	v, ok := msg.Contextual(contracts.KeyConduit)
	if !ok {
		return nil, false
	}
	c, ok := v.(transport.Conduit)
	return c, ok && c != nil
}
