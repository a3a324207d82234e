package endpoint

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
)

// unroutedFaults encodes and sends faults raised before an endpoint was
// selected for the request
var unroutedFaults = func() *interceptors.Provider {
	p := interceptors.NewProvider()
	p.OutFault().Add(NewAddressingOutInterceptor(), NewFaultWriterInterceptor(), NewMessageSenderInterceptor())
	return p
}()

// OutFaultObserver turns a fault raised while processing a request into a
// fault reply sent through the outbound fault chain
type OutFaultObserver struct {
	logger *slog.Logger
}

// NewOutFaultObserver creates the observer. A nil logger means slog.Default().
func NewOutFaultObserver(logger *slog.Logger) *OutFaultObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutFaultObserver{logger: logger}
}

// OnMessage implements contracts.MessageObserver
func (o *OutFaultObserver) OnMessage(ctx context.Context, fm *contracts.Message) {
	ex := fm.Exchange()
	if ex == nil || fm.IsRequestor() {
		o.logger.Debug("fault not bound to an inbound request", "messageId", fm.ID(), "error", fm.Fault())
		return
	}
	in := ex.InMessage()
	if in == nil {
		o.logger.Warn("fault without request message", "exchangeId", ex.ID(), "error", fm.Fault())
		return
	}
	if ex.IsOneWay() || !ExpectsReply(in) {
		o.logger.Warn("fault on one-way request dropped", "messageId", in.ID(), "error", fm.Fault())
		return
	}
	if responded, _ := contracts.Value[bool](ex, contracts.KeyResponded); responded {
		o.logger.Warn("fault after reply was sent", "messageId", in.ID(), "error", fm.Fault())
		return
	}

	b, ok := bus.FromExchange(ex)
	if !ok {
		o.logger.Error("fault reply impossible", "messageId", in.ID(), "error", ErrNoBus)
		return
	}
	dest, ok := transport.DestinationFrom(ex)
	if !ok {
		o.logger.Error("fault reply impossible", "messageId", in.ID(), "error", transport.ErrNoBackChannel)
		return
	}

	target := FaultTarget(in)
	conduit, err := dest.BackChannel(ctx, in, nil, target)
	if err != nil {
		o.logger.Error("fault back-channel unavailable", "messageId", in.ID(), "error", err)
		return
	}
	if !target.IsAnonymous() {
		defer closeConduit(o.logger, conduit, in)
	}

	fm.SetCorrelationID(in.CorrelationID())
	fm.Put(contracts.KeyOperation, in.GetString(contracts.KeyOperation))
	fm.Put(contracts.KeyConduit, conduit)
	transport.SetAddressing(fm, ReplyAddressing(in, target))

	lists := []*interceptors.List{b.Interceptors().OutFault(), unroutedFaults.OutFault()}
	if ep, ok := FromExchange(ex); ok {
		lists = ep.OutFaultLists(b)
	}
	chain, err := b.OutChain(lists)
	if err != nil {
		o.logger.Error("fault chain unavailable", "messageId", in.ID(), "error", err)
		return
	}
	if _, err := chain.Run(ctx, fm); err != nil {
		o.logger.Error("fault reply failed", "messageId", in.ID(), "error", err)
		return
	}
	o.logger.Debug("fault reply sent",
		"messageId", in.ID(),
		"faultPhase", fm.GetString(contracts.KeyFaultPhase),
		"error", fm.Fault(),
	)
}
