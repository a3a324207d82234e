package local

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox chan *contracts.Message

func (i inbox) OnMessage(ctx context.Context, msg *contracts.Message) {
	i <- msg
}

func receive(t *testing.T, ch inbox) *contracts.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func setup(t *testing.T) (*Transport, *transport.Registry) {
	t.Helper()
	reg := transport.NewRegistry()
	tr := New()
	tr.Register(reg)
	t.Cleanup(func() {
		_ = tr.Close(context.Background())
	})
	return tr, reg
}

func send(t *testing.T, c transport.Conduit, body string, headers map[string]string) *contracts.Message {
	t.Helper()
	ctx := context.Background()
	msg := contracts.NewMessage()
	for k, v := range headers {
		msg.Headers()[k] = v
	}
	require.NoError(t, c.Prepare(ctx, msg))
	_, err := io.WriteString(msg.Output(), body)
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, msg))
	require.NoError(t, c.CloseMessage(msg))
	return msg
}

func TestRegister(t *testing.T) {
	_, reg := setup(t)

	_, err := reg.LookupConduitInitiator("local:orders")
	assert.NoError(t, err)
	_, err = reg.LookupDestinationFactory(Namespace)
	assert.NoError(t, err)
}

func TestRequestAndInbuiltReply(t *testing.T) {
	ctx := context.Background()
	_, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("local:orders"))
	require.NoError(t, err)
	requests := make(inbox, 1)
	dest.SetObserver(requests)
	require.NoError(t, dest.Start(ctx))

	c, err := reg.Conduit(ctx, transport.NewEndpointReference("local:orders"))
	require.NoError(t, err)
	replies := make(inbox, 1)
	c.SetObserver(replies)

	send(t, c, "ping", map[string]string{
		transport.HeaderCorrelationID: "corr-1",
		transport.HeaderOperation:     "echo",
	})

	in := receive(t, requests)
	assert.True(t, in.IsInbound())
	assert.Equal(t, "corr-1", in.CorrelationID())
	assert.Equal(t, "echo", in.GetString(contracts.KeyOperation))
	body, err := io.ReadAll(in.Input())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(body))

	got, ok := transport.DestinationFrom(in.Exchange())
	require.True(t, ok)
	assert.Same(t, dest, got)

	back, err := dest.BackChannel(ctx, in, nil, nil)
	require.NoError(t, err)
	send(t, back, "pong", map[string]string{transport.HeaderCorrelationID: "corr-1"})

	reply := receive(t, replies)
	assert.Equal(t, "corr-1", reply.CorrelationID())
	body, err = io.ReadAll(reply.Input())
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestPartialResponse(t *testing.T) {
	ctx := context.Background()
	_, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("local:svc"))
	require.NoError(t, err)
	requests := make(inbox, 1)
	dest.SetObserver(requests)
	require.NoError(t, dest.Start(ctx))

	c, err := reg.Conduit(ctx, transport.NewEndpointReference("local:svc"))
	require.NoError(t, err)
	replies := make(inbox, 1)
	c.SetObserver(replies)
	send(t, c, "req", nil)
	in := receive(t, requests)

	partial := contracts.NewMessage()
	ack, err := dest.BackChannel(ctx, in, partial, transport.NewEndpointReference("queue://X"))
	require.NoError(t, err)
	assert.True(t, ack.Target().IsAnonymous())

	require.NoError(t, ack.Prepare(ctx, partial))
	require.NoError(t, ack.Send(ctx, partial))
	assert.True(t, transport.IsPartialResponse(receive(t, replies)))
}

func TestDecoupledBackChannel(t *testing.T) {
	ctx := context.Background()
	_, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("local:svc"))
	require.NoError(t, err)

	t.Run("resolves local targets through the registry", func(t *testing.T) {
		c, err := dest.BackChannel(ctx, contracts.NewMessage(), nil, transport.NewEndpointReference("local:replies"))
		require.NoError(t, err)
		assert.Equal(t, "local:replies", c.Target().Address)
		assert.IsType(t, &transport.DrainObserver{}, c.Observer())
	})

	t.Run("unknown scheme fails resolution", func(t *testing.T) {
		_, err := dest.BackChannel(ctx, contracts.NewMessage(), nil, transport.NewEndpointReference("queue://X"))
		var rerr *transport.ResolutionError
		require.True(t, errors.As(err, &rerr))
		assert.ErrorIs(t, err, transport.ErrNoTransport)
	})
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	tr, reg := setup(t)

	t.Run("send without listener", func(t *testing.T) {
		c, err := reg.Conduit(ctx, transport.NewEndpointReference("local:nobody"))
		require.NoError(t, err)
		msg := contracts.NewMessage()
		require.NoError(t, c.Prepare(ctx, msg))
		err = c.Send(ctx, msg)
		assert.ErrorIs(t, err, ErrNoDestination)
		var serr *transport.SendError
		assert.True(t, errors.As(err, &serr))
	})

	t.Run("send unprepared", func(t *testing.T) {
		c, err := reg.Conduit(ctx, transport.NewEndpointReference("local:x"))
		require.NoError(t, err)
		assert.ErrorIs(t, c.Send(ctx, contracts.NewMessage()), transport.ErrNotPrepared)
	})

	t.Run("address in use", func(t *testing.T) {
		d1, err := reg.Destination(ctx, transport.NewEndpointReference("local:dup"))
		require.NoError(t, err)
		d2, err := reg.Destination(ctx, transport.NewEndpointReference("local:dup"))
		require.NoError(t, err)
		require.NoError(t, d1.Start(ctx))
		assert.ErrorIs(t, d2.Start(ctx), ErrAddressInUse)

		require.NoError(t, d1.Shutdown(ctx))
		assert.ErrorIs(t, d1.Start(ctx), transport.ErrDestinationClosed)
		assert.NoError(t, d2.Start(ctx))
	})

	t.Run("foreign scheme", func(t *testing.T) {
		_, err := tr.Conduit(ctx, transport.NewEndpointReference("nats:orders"))
		assert.ErrorIs(t, err, transport.ErrInvalidAddress)
		_, err = tr.Destination(ctx, transport.NewEndpointReference("amqp://x/y"))
		assert.ErrorIs(t, err, transport.ErrInvalidAddress)
	})

	t.Run("closed conduit", func(t *testing.T) {
		c, err := reg.Conduit(ctx, transport.NewEndpointReference("local:x"))
		require.NoError(t, err)
		require.NoError(t, c.Close())
		assert.ErrorIs(t, c.Prepare(ctx, contracts.NewMessage()), transport.ErrConduitClosed)
	})
}

func TestMultiplexAddress(t *testing.T) {
	ctx := context.Background()
	_, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("local:mux"))
	require.NoError(t, err)
	md, ok := dest.(transport.MultiplexDestination)
	require.True(t, ok)
	requests := make(inbox, 1)
	dest.SetObserver(requests)
	require.NoError(t, dest.Start(ctx))

	ref := md.AddressWithID("tenant-7")
	c, err := reg.Conduit(ctx, ref)
	require.NoError(t, err)

	headers := make(map[string]string)
	transport.EncodeAddressing(&transport.AddressingProperties{To: ref}, headers)
	send(t, c, "x", headers)

	id, ok := md.ID(receive(t, requests))
	require.True(t, ok)
	assert.Equal(t, "tenant-7", id)
}
