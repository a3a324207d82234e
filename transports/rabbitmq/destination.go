package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/transport"
)

const keyReplyQueue = "mmate.amqp.replyQueue"

// Destination consumes one queue
type Destination struct {
	*transport.DestinationBase
	transport.Multiplexer
	t     *Transport
	queue string
}

// Queue returns the consumed queue
func (d *Destination) Queue() string {
	return d.queue
}

// Start implements transport.Destination. The queue is declared when
// missing.
func (d *Destination) Start(ctx context.Context) error {
	if d.Closed() {
		return transport.ErrDestinationClosed
	}
	d.t.mu.Lock()
	if other, ok := d.t.destinations[d.queue]; ok && other != d {
		d.t.mu.Unlock()
		return fmt.Errorf("amqp: queue %s already served by another destination", d.queue)
	}
	d.t.destinations[d.queue] = d
	d.t.mu.Unlock()

	if err := d.subscribe(ctx); err != nil {
		d.t.mu.Lock()
		delete(d.t.destinations, d.queue)
		d.t.mu.Unlock()
		return err
	}
	d.Logger().Info("destination started", "queue", d.queue)
	return nil
}

func (d *Destination) subscribe(ctx context.Context) error {
	_ = d.t.consumer.Unsubscribe(d.queue)

	var args amqp.Table
	if d.t.cfg.EnableFIFO {
		args = amqp.Table{"x-single-active-consumer": true}
	}
	if _, err := d.t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:      d.queue,
		Durable:   d.t.cfg.DurableQueues,
		Arguments: args,
	}); err != nil {
		return err
	}
	return d.t.consumer.Subscribe(ctx, d.queue, rabbitmq.SubscribeOptions{Prefetch: d.t.cfg.Prefetch}, d.handle)
}

func (d *Destination) handle(ctx context.Context, delivery amqp.Delivery) error {
	in := fromDelivery(delivery)
	if delivery.ReplyTo != "" {
		in.Put(keyReplyQueue, delivery.ReplyTo)
	}
	d.Deliver(ctx, d, in)
	return nil
}

// Shutdown implements transport.Destination. The queue itself is kept.
func (d *Destination) Shutdown(ctx context.Context) error {
	if !d.MarkClosed() {
		return nil
	}
	d.t.mu.Lock()
	if d.t.destinations[d.queue] == d {
		delete(d.t.destinations, d.queue)
	}
	d.t.mu.Unlock()

	if err := d.t.consumer.Unsubscribe(d.queue); err != nil {
		d.Logger().Debug("destination had no subscription", "queue", d.queue, "error", err)
	}
	return nil
}

// InbuiltBackChannel implements transport.BackChannelProvider: replies go to
// the reply queue named by the request
func (d *Destination) InbuiltBackChannel(ctx context.Context, in *contracts.Message) (transport.Conduit, error) {
	replyQueue := in.GetString(keyReplyQueue)
	if replyQueue == "" {
		return nil, transport.ErrNoBackChannel
	}
	return &replyChannel{
		ConduitBase:   transport.NewConduitBase(transport.NewEndpointReference(transport.AnonymousAddress)),
		t:             d.t,
		replyQueue:    replyQueue,
		correlationID: in.CorrelationID(),
	}, nil
}

// MarkPartialResponse implements transport.BackChannelProvider
func (d *Destination) MarkPartialResponse(partial *contracts.Message, target *transport.EndpointReference) {
	transport.MarkPartial(partial, target)
}

var _ transport.MultiplexDestination = (*Destination)(nil)
