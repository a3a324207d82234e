package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
)

const flushTimeout = 2 * time.Second

// Destination subscribes to one subject in the transport's queue group
type Destination struct {
	*transport.DestinationBase
	transport.Multiplexer
	t       *Transport
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

// Subject returns the subscribed subject
func (d *Destination) Subject() string {
	return d.subject
}

// Start implements transport.Destination
func (d *Destination) Start(ctx context.Context) error {
	if d.Closed() {
		return transport.ErrDestinationClosed
	}
	d.t.mu.Lock()
	if other, ok := d.t.destinations[d.subject]; ok && other != d {
		d.t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubjectInUse, d.subject)
	}
	d.t.destinations[d.subject] = d
	d.t.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil
	}
	sub, err := d.t.nc.QueueSubscribe(d.subject, d.t.cfg.QueueGroup, d.handle)
	if err != nil {
		d.t.mu.Lock()
		delete(d.t.destinations, d.subject)
		d.t.mu.Unlock()
		return err
	}
	// requests sent after Start must find the subscription registered
	if err := d.t.nc.FlushTimeout(flushTimeout); err != nil {
		d.Logger().Warn("flush after subscribe failed", "subject", d.subject, "error", err)
	}
	d.sub = sub
	d.Logger().Info("destination started", "subject", d.subject, "queueGroup", d.t.cfg.QueueGroup)
	return nil
}

func (d *Destination) handle(m *nats.Msg) {
	d.Deliver(context.Background(), d, fromMsg(m))
}

// Shutdown implements transport.Destination
func (d *Destination) Shutdown(ctx context.Context) error {
	if !d.MarkClosed() {
		return nil
	}
	d.t.mu.Lock()
	if d.t.destinations[d.subject] == d {
		delete(d.t.destinations, d.subject)
	}
	d.t.mu.Unlock()

	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return err
	}
	return nil
}

// InbuiltBackChannel implements transport.BackChannelProvider: replies go to
// the inbox named by the request
func (d *Destination) InbuiltBackChannel(ctx context.Context, in *contracts.Message) (transport.Conduit, error) {
	subject := in.GetString(keyReplySubject)
	if subject == "" {
		return nil, transport.ErrNoBackChannel
	}
	return &replyChannel{
		ConduitBase:   transport.NewConduitBase(transport.NewEndpointReference(transport.AnonymousAddress)),
		t:             d.t,
		subject:       subject,
		correlationID: in.CorrelationID(),
	}, nil
}

// MarkPartialResponse implements transport.BackChannelProvider
func (d *Destination) MarkPartialResponse(partial *contracts.Message, target *transport.EndpointReference) {
	transport.MarkPartial(partial, target)
}

var _ transport.MultiplexDestination = (*Destination)(nil)
