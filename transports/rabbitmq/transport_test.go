package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
)

type inbox chan *contracts.Message

func (i inbox) OnMessage(ctx context.Context, msg *contracts.Message) {
	i <- msg
}

func TestQueueName(t *testing.T) {
	tests := []struct {
		address string
		queue   string
		err     error
	}{
		{address: "amqp:orders", queue: "orders"},
		{address: "AMQP:orders.v2", queue: "orders.v2"},
		{address: "amqp://billing", queue: "billing"},
		{address: "amqp:", err: ErrNoQueue},
		{address: "nats:orders", err: transport.ErrInvalidAddress},
		{address: "orders", err: transport.ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			queue, err := QueueName(transport.NewEndpointReference(tt.address))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.queue, queue)
		})
	}
}

func TestToPublishing(t *testing.T) {
	msg := contracts.NewMessage()
	msg.SetCorrelationID("corr-1")
	msg.Headers()[transport.HeaderOperation] = "echo"
	msg.Headers()[transport.HeaderContentType] = "application/json"

	body := []byte(`{"a":1}`)
	pub := toPublishing(msg, body)
	body[0] = 'x'

	assert.Equal(t, "corr-1", pub.CorrelationId)
	assert.Equal(t, msg.ID(), pub.MessageId)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, "echo", pub.Headers[transport.HeaderOperation])
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, `{"a":1}`, string(pub.Body))

	msg.Headers()[transport.HeaderCorrelationID] = "corr-2"
	msg.Headers()[transport.HeaderMessageID] = "urn:uuid:m"
	pub = toPublishing(msg, nil)
	assert.Equal(t, "corr-2", pub.CorrelationId)
	assert.Equal(t, "urn:uuid:m", pub.MessageId)
}

func TestFromDelivery(t *testing.T) {
	in := fromDelivery(amqp.Delivery{
		CorrelationId: "corr-9",
		ContentType:   "text/plain",
		Body:          []byte("hello"),
		Headers: amqp.Table{
			transport.HeaderOperation:    "greet",
			transport.HeaderPartial:      "true",
			transport.HeaderResponseCode: int32(202),
			"x-raw":                      []byte("bytes"),
			"x-nil":                      nil,
		},
	})

	assert.True(t, in.IsInbound())
	assert.Equal(t, "corr-9", in.CorrelationID())
	assert.Equal(t, "greet", in.GetString(contracts.KeyOperation))
	assert.Equal(t, "text/plain", in.GetString(contracts.KeyContentType))
	assert.True(t, transport.IsPartialResponse(in))
	assert.Equal(t, "202", in.Headers()[transport.HeaderResponseCode])
	assert.Equal(t, "bytes", in.Headers()["x-raw"])
	assert.NotContains(t, in.Headers(), "x-nil")

	body, err := io.ReadAll(in.Input())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestExpectsReply(t *testing.T) {
	msg := contracts.NewMessage()
	assert.False(t, expectsReply(msg))

	msg.Put(contracts.KeyRequestor, true)
	assert.True(t, expectsReply(msg))

	msg.Headers()[transport.HeaderReplyTo] = transport.NoneAddress
	assert.False(t, expectsReply(msg))
}

func newTestTransport() *Transport {
	return &Transport{
		cfg:          Config{PendingTTL: time.Minute},
		logger:       slog.Default(),
		destinations: make(map[string]*Destination),
		pending:      make(map[string]pendingReply),
	}
}

func TestReplyRouting(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport()

	c1, err := tr.Conduit(ctx, transport.NewEndpointReference("amqp:orders"))
	require.NoError(t, err)
	c2, err := tr.Conduit(ctx, transport.NewEndpointReference("amqp:orders"))
	require.NoError(t, err)
	replies := make(inbox, 2)
	c1.SetObserver(replies)

	tr.expect("corr-1", c1.(*Conduit))
	tr.expect("corr-2", c2.(*Conduit))

	t.Run("partial keeps the correlation", func(t *testing.T) {
		require.NoError(t, tr.handleReply(ctx, amqp.Delivery{
			CorrelationId: "corr-1",
			Headers:       amqp.Table{transport.HeaderPartial: "true"},
		}))
		assert.True(t, transport.IsPartialResponse(<-replies))
		assert.Contains(t, tr.pending, "corr-1")
	})

	t.Run("full reply completes the correlation", func(t *testing.T) {
		require.NoError(t, tr.handleReply(ctx, amqp.Delivery{CorrelationId: "corr-1", Body: []byte("done")}))
		assert.Equal(t, "corr-1", (<-replies).CorrelationID())
		assert.NotContains(t, tr.pending, "corr-1")
	})

	t.Run("uncorrelated replies are dropped", func(t *testing.T) {
		assert.NoError(t, tr.handleReply(ctx, amqp.Delivery{CorrelationId: "unknown"}))
		assert.Empty(t, replies)
	})

	t.Run("closing a conduit forgets its correlations", func(t *testing.T) {
		require.NoError(t, c2.Close())
		assert.NotContains(t, tr.pending, "corr-2")
	})

	t.Run("stale correlations expire", func(t *testing.T) {
		tr.pending["stale"] = pendingReply{conduit: c1.(*Conduit), sentAt: time.Now().Add(-time.Hour)}
		tr.expect("corr-3", c1.(*Conduit))
		assert.NotContains(t, tr.pending, "stale")
		assert.Contains(t, tr.pending, "corr-3")
	})
}

func TestDestinationBackChannel(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport()
	reg := transport.NewRegistry()
	tr.Register(reg)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("amqp:orders"))
	require.NoError(t, err)
	assert.Equal(t, "orders", dest.(*Destination).Queue())

	t.Run("in-built channel needs a reply queue", func(t *testing.T) {
		_, err := dest.BackChannel(ctx, contracts.NewMessage(), nil, nil)
		assert.ErrorIs(t, err, transport.ErrNoBackChannel)
	})

	t.Run("in-built channel answers the reply queue", func(t *testing.T) {
		in := transport.NewInboundMessage(nil, map[string]string{transport.HeaderCorrelationID: "corr-1"})
		in.Put(keyReplyQueue, "amq.gen-1")
		back, err := dest.BackChannel(ctx, in, nil, nil)
		require.NoError(t, err)
		rc := back.(*replyChannel)
		assert.Equal(t, "amq.gen-1", rc.replyQueue)
		assert.Equal(t, "corr-1", rc.correlationID)
		assert.True(t, back.Target().IsAnonymous())
	})

	t.Run("decoupled amqp target resolves through the registry", func(t *testing.T) {
		c, err := dest.BackChannel(ctx, contracts.NewMessage(), nil, transport.NewEndpointReference("amqp:replies"))
		require.NoError(t, err)
		assert.Equal(t, "amqp:replies", c.Target().Address)
		assert.IsType(t, &transport.DrainObserver{}, c.Observer())
	})

	t.Run("multiplex address", func(t *testing.T) {
		md := dest.(transport.MultiplexDestination)
		ref := md.AddressWithID("tenant-1")
		assert.Equal(t, "amqp:orders", ref.Address)
		headers := make(map[string]string)
		transport.EncodeAddressing(&transport.AddressingProperties{To: ref}, headers)
		id, ok := md.ID(transport.NewInboundMessage(nil, headers))
		require.True(t, ok)
		assert.Equal(t, "tenant-1", id)
	})
}
