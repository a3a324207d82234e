package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/transport"
)

// Conduit publishes to one queue through the default exchange. Requests
// that expect a reply name the transport's reply queue, and replies
// carrying their correlation id are delivered to the conduit's observer.
type Conduit struct {
	*transport.ConduitBase
	t     *Transport
	queue string
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

	pub := toPublishing(msg, payload)
	if expectsReply(msg) && pub.CorrelationId != "" {
		replyQueue, err := c.t.ensureReplyQueue(ctx)
		if err != nil {
			return &transport.SendError{Target: c.Target().Address, MessageID: msg.ID(), Err: err}
		}
		pub.ReplyTo = replyQueue
		c.t.expect(pub.CorrelationId, c)
	}

	if err := c.t.publisher.Publish(ctx, "", c.queue, pub); err != nil {
		c.t.forget(pub.CorrelationId, c)
		return &transport.SendError{Target: c.Target().Address, MessageID: msg.ID(), Err: err}
	}
	return nil
}

// Close implements transport.Conduit and drops the conduit's pending
// correlations
func (c *Conduit) Close() error {
	c.t.forgetConduit(c)
	return c.ConduitBase.Close()
}

// ensureReplyQueue declares and consumes the shared reply queue on first use
func (t *Transport) ensureReplyQueue(ctx context.Context) (string, error) {
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	if t.replyQueue != "" {
		return t.replyQueue, nil
	}

	queue, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return "", err
	}
	opts := rabbitmq.SubscribeOptions{AutoAck: true, Exclusive: true}
	if err := t.consumer.Subscribe(ctx, queue, opts, t.handleReply); err != nil {
		return "", err
	}
	t.replyQueue = queue
	t.logger.Debug("reply queue ready", "queue", queue)
	return queue, nil
}

func (t *Transport) handleReply(ctx context.Context, d amqp.Delivery) error {
	in := fromDelivery(d)
	correlationID := in.CorrelationID()

	t.replyMu.Lock()
	p, ok := t.pending[correlationID]
	if ok && !transport.IsPartialResponse(in) {
		delete(t.pending, correlationID)
	}
	t.replyMu.Unlock()

	if !ok {
		t.logger.Warn("dropping uncorrelated reply", "correlationId", correlationID)
		return nil
	}
	p.conduit.Deliver(ctx, in)
	return nil
}

func (t *Transport) expect(correlationID string, c *Conduit) {
	now := time.Now()
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	for id, p := range t.pending {
		if now.Sub(p.sentAt) > t.cfg.PendingTTL {
			delete(t.pending, id)
		}
	}
	t.pending[correlationID] = pendingReply{conduit: c, sentAt: now}
}

func (t *Transport) forget(correlationID string, c *Conduit) {
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	if p, ok := t.pending[correlationID]; ok && p.conduit == c {
		delete(t.pending, correlationID)
	}
}

func (t *Transport) forgetConduit(c *Conduit) {
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	for id, p := range t.pending {
		if p.conduit == c {
			delete(t.pending, id)
		}
	}
}

// replyChannel publishes in-built replies to the requester's reply queue
type replyChannel struct {
	*transport.ConduitBase
	t             *Transport
	replyQueue    string
	correlationID string
}

func (r *replyChannel) Send(ctx context.Context, msg *contracts.Message) error {
	payload, err := transport.Payload(msg)
	if err != nil {
		return err
	}
	pub := toPublishing(msg, payload)
	pub.CorrelationId = r.correlationID
	if err := r.t.publisher.Publish(ctx, "", r.replyQueue, pub); err != nil {
		return &transport.SendError{Target: r.replyQueue, MessageID: msg.ID(), Err: err}
	}
	return nil
}

var _ transport.Conduit = (*Conduit)(nil)
