package nats

import (
	"context"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
)

// Conduit publishes to one subject
type Conduit struct {
	*transport.ConduitBase
	t       *Transport
	subject string
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

	m := toMsg(c.subject, msg, payload)
	var correlationID string
	if vs := m.Header[transport.HeaderCorrelationID]; len(vs) > 0 {
		correlationID = vs[0]
	}
	if expectsReply(msg) && correlationID != "" {
		inbox, err := c.t.ensureInbox()
		if err != nil {
			return &transport.SendError{Target: c.Target().Address, MessageID: msg.ID(), Err: err}
		}
		m.Reply = inbox
		c.t.expect(correlationID, c)
	}

	if err := c.t.nc.PublishMsg(m); err != nil {
		c.t.forget(correlationID, c)
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

// replyChannel publishes in-built replies to the requester's inbox
type replyChannel struct {
	*transport.ConduitBase
	t             *Transport
	subject       string
	correlationID string
}

func (r *replyChannel) Send(ctx context.Context, msg *contracts.Message) error {
	payload, err := transport.Payload(msg)
	if err != nil {
		return err
	}
	m := toMsg(r.subject, msg, payload)
	if r.correlationID != "" {
		m.Header[transport.HeaderCorrelationID] = []string{r.correlationID}
	}
	if err := r.t.nc.PublishMsg(m); err != nil {
		return &transport.SendError{Target: r.subject, MessageID: msg.ID(), Err: err}
	}
	return nil
}

var _ transport.Conduit = (*Conduit)(nil)
