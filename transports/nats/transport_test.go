package nats

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
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

func runServer(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   natsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func setup(t *testing.T) (*Transport, *transport.Registry) {
	t.Helper()
	tr, err := New(context.Background(), runServer(t), WithName("mmate-test"))
	require.NoError(t, err)
	reg := transport.NewRegistry()
	tr.Register(reg)
	t.Cleanup(func() {
		_ = tr.Close(context.Background())
	})
	return tr, reg
}

func send(t *testing.T, c transport.Conduit, body string, requestor bool, headers map[string]string) {
	t.Helper()
	ctx := context.Background()
	msg := contracts.NewMessage()
	msg.Put(contracts.KeyRequestor, requestor)
	for k, v := range headers {
		msg.Headers()[k] = v
	}
	require.NoError(t, c.Prepare(ctx, msg))
	_, err := io.WriteString(msg.Output(), body)
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, msg))
	require.NoError(t, c.CloseMessage(msg))
}

func TestSubject(t *testing.T) {
	tests := []struct {
		address string
		subject string
		err     error
	}{
		{address: "nats:orders.create", subject: "orders.create"},
		{address: "nats://billing", subject: "billing"},
		{address: "nats:", err: ErrNoSubject},
		{address: "nats:two words", err: transport.ErrInvalidAddress},
		{address: "amqp:orders", err: transport.ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			subject, err := Subject(transport.NewEndpointReference(tt.address))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.subject, subject)
		})
	}
}

func TestRequestAndInbuiltReply(t *testing.T) {
	ctx := context.Background()
	tr, reg := setup(t)
	assert.True(t, tr.IsConnected())

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("nats:orders"))
	require.NoError(t, err)
	requests := make(inbox, 1)
	dest.SetObserver(requests)
	require.NoError(t, dest.Start(ctx))

	c, err := reg.Conduit(ctx, transport.NewEndpointReference("nats:orders"))
	require.NoError(t, err)
	replies := make(inbox, 1)
	c.SetObserver(replies)

	send(t, c, "ping", true, map[string]string{
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
	send(t, back, "pong", false, nil)

	reply := receive(t, replies)
	assert.Equal(t, "corr-1", reply.CorrelationID())
	body, err = io.ReadAll(reply.Input())
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	tr.replyMu.Lock()
	assert.Empty(t, tr.pending)
	tr.replyMu.Unlock()
}

func TestOneWay(t *testing.T) {
	ctx := context.Background()
	tr, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("nats:events"))
	require.NoError(t, err)
	requests := make(inbox, 1)
	dest.SetObserver(requests)
	require.NoError(t, dest.Start(ctx))

	c, err := reg.Conduit(ctx, transport.NewEndpointReference("nats:events"))
	require.NoError(t, err)
	send(t, c, "fire", true, map[string]string{
		transport.HeaderCorrelationID: "corr-2",
		transport.HeaderReplyTo:       transport.NoneAddress,
	})

	in := receive(t, requests)
	_, err = dest.BackChannel(ctx, in, nil, nil)
	assert.ErrorIs(t, err, transport.ErrNoBackChannel)

	tr.replyMu.Lock()
	assert.Nil(t, tr.replySub)
	tr.replyMu.Unlock()
}

func TestPartialResponseKeepsCorrelation(t *testing.T) {
	ctx := context.Background()
	tr, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("nats:svc"))
	require.NoError(t, err)
	requests := make(inbox, 1)
	dest.SetObserver(requests)
	require.NoError(t, dest.Start(ctx))

	c, err := reg.Conduit(ctx, transport.NewEndpointReference("nats:svc"))
	require.NoError(t, err)
	replies := make(inbox, 1)
	c.SetObserver(replies)
	send(t, c, "req", true, map[string]string{transport.HeaderCorrelationID: "corr-3"})
	in := receive(t, requests)

	partial := contracts.NewMessage()
	ack, err := dest.BackChannel(ctx, in, partial, transport.NewEndpointReference("nats:replies"))
	require.NoError(t, err)
	require.NoError(t, ack.Prepare(ctx, partial))
	require.NoError(t, ack.Send(ctx, partial))
	assert.True(t, transport.IsPartialResponse(receive(t, replies)))

	tr.replyMu.Lock()
	assert.Contains(t, tr.pending, "corr-3")
	tr.replyMu.Unlock()

	require.NoError(t, c.Close())
	tr.replyMu.Lock()
	assert.NotContains(t, tr.pending, "corr-3")
	tr.replyMu.Unlock()
}

func TestDecoupledBackChannel(t *testing.T) {
	ctx := context.Background()
	_, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("nats:svc"))
	require.NoError(t, err)

	c, err := dest.BackChannel(ctx, contracts.NewMessage(), nil, transport.NewEndpointReference("nats:replies"))
	require.NoError(t, err)
	assert.Equal(t, "nats:replies", c.Target().Address)
	assert.IsType(t, &transport.DrainObserver{}, c.Observer())

	_, err = dest.BackChannel(ctx, contracts.NewMessage(), nil, transport.NewEndpointReference("queue://X"))
	var rerr *transport.ResolutionError
	require.True(t, errors.As(err, &rerr))
}

func TestDestinationLifecycle(t *testing.T) {
	ctx := context.Background()
	_, reg := setup(t)

	d1, err := reg.Destination(ctx, transport.NewEndpointReference("nats:dup"))
	require.NoError(t, err)
	d2, err := reg.Destination(ctx, transport.NewEndpointReference("nats:dup"))
	require.NoError(t, err)
	require.NoError(t, d1.Start(ctx))
	assert.ErrorIs(t, d2.Start(ctx), ErrSubjectInUse)

	require.NoError(t, d1.Shutdown(ctx))
	require.NoError(t, d1.Shutdown(ctx))
	assert.ErrorIs(t, d1.Start(ctx), transport.ErrDestinationClosed)
	assert.NoError(t, d2.Start(ctx))
}

func TestMultiplexAddress(t *testing.T) {
	ctx := context.Background()
	_, reg := setup(t)

	dest, err := reg.Destination(ctx, transport.NewEndpointReference("nats:mux"))
	require.NoError(t, err)
	md, ok := dest.(transport.MultiplexDestination)
	require.True(t, ok)
	requests := make(inbox, 1)
	dest.SetObserver(requests)
	require.NoError(t, dest.Start(ctx))

	ids := []string{"tenant-7", " padded ", "line\r\nX-Evil: 1", "tab\tid", "ünïcode", "a+b%20c"}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			ref := md.AddressWithID(id)
			c, err := reg.Conduit(ctx, ref)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })

			headers := make(map[string]string)
			transport.EncodeAddressing(&transport.AddressingProperties{To: ref}, headers)
			send(t, c, "x", false, headers)

			got, ok := md.ID(receive(t, requests))
			require.True(t, ok)
			assert.Equal(t, id, got)
		})
	}
}
