package transport

import (
	"context"
	"testing"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"local:orders", "local"},
		{"queue://X", "queue"},
		{"AMQP://exchange/key", "amqp"},
		{"nats:svc.orders", "nats"},
		{"no-scheme", ""},
		{"/path:with-colon", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, Scheme(tt.address))
		})
	}
}

func TestEndpointReference(t *testing.T) {
	t.Run("clone is deep", func(t *testing.T) {
		ref := &EndpointReference{Address: "local:a", ReferenceParameters: map[string]string{"k": "v"}}
		clone := ref.Clone()
		clone.ReferenceParameters["k"] = "changed"
		assert.Equal(t, "v", ref.ReferenceParameters["k"])
	})

	t.Run("anonymous", func(t *testing.T) {
		var nilRef *EndpointReference
		assert.True(t, nilRef.IsAnonymous())
		assert.True(t, NewEndpointReference(AnonymousAddress).IsAnonymous())
		assert.False(t, NewEndpointReference("local:a").IsAnonymous())
		assert.True(t, NewEndpointReference(NoneAddress).IsNone())
	})
}

func TestAddressingHeaders(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		ap := &AddressingProperties{
			To:        AddressWithID(NewEndpointReference("local:shared"), "tenant-7"),
			ReplyTo:   NewEndpointReference("local:replies"),
			FaultTo:   NewEndpointReference("local:faults"),
			MessageID: "m-1",
			RelatesTo: "m-0",
			Action:    "greet",
		}
		headers := make(map[string]string)
		EncodeAddressing(ap, headers)

		got := DecodeAddressing(headers)
		require.NotNil(t, got)
		assert.Equal(t, ap, got)
	})

	t.Run("reference parameters are escaped", func(t *testing.T) {
		headers := make(map[string]string)
		EncodeAddressing(&AddressingProperties{To: AddressWithID(NewEndpointReference("local:shared"), " a\r\nb ")}, headers)
		v := headers[HeaderRefParamPrefix+MultiplexIDParameter]
		assert.NotContains(t, v, "\r")
		assert.NotContains(t, v, " ")
	})

	t.Run("no addressing headers", func(t *testing.T) {
		assert.Nil(t, DecodeAddressing(map[string]string{"Other": "x"}))
	})
}

func TestMultiplex(t *testing.T) {
	d := newFakeDestination("local:shared")

	ids := []string{"a", "tenant/42", "  spaced  ", "ünïcode", "x=y&z", "line\r\nX-Evil: 1", "100%+", "tab\tid"}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			ref := d.AddressWithID(id)
			assert.Equal(t, "local:shared", ref.Address)
			assert.Nil(t, d.Address().ReferenceParameters)

			// the id travels through the protocol headers
			headers := make(map[string]string)
			EncodeAddressing(&AddressingProperties{To: ref}, headers)
			msg := contracts.NewMessage()
			SetAddressing(msg, DecodeAddressing(headers))

			got, ok := d.ID(msg)
			require.True(t, ok)
			assert.Equal(t, id, got)
		})
	}

	t.Run("message without addressing", func(t *testing.T) {
		_, ok := d.ID(contracts.NewMessage())
		assert.False(t, ok)
	})

	t.Run("exchange properties", func(t *testing.T) {
		msg := contracts.NewMessage()
		SetAddressing(msg, &AddressingProperties{To: d.AddressWithID("ex")})
		id, ok := MultiplexID(msg)
		require.True(t, ok)
		assert.Equal(t, "ex", id)
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	ci := ConduitInitiatorFunc(func(ctx context.Context, target *EndpointReference) (Conduit, error) {
		return newFakeConduit(target.Address), nil
	})
	reg.RegisterConduitInitiator(ci, "urn:mmate:transport:fake", "fake")

	t.Run("lookup by namespace", func(t *testing.T) {
		_, err := reg.LookupConduitInitiator("urn:mmate:transport:fake")
		assert.NoError(t, err)
	})

	t.Run("lookup by scheme", func(t *testing.T) {
		c, err := reg.Conduit(ctx, NewEndpointReference("fake:target"))
		require.NoError(t, err)
		assert.Equal(t, "fake:target", c.Target().Address)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := reg.Conduit(ctx, NewEndpointReference("nope:target"))
		assert.ErrorIs(t, err, ErrNoTransport)
	})

	t.Run("empty target", func(t *testing.T) {
		_, err := reg.Conduit(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("destination factories", func(t *testing.T) {
		_, err := reg.Destination(ctx, NewEndpointReference("fake:x"))
		assert.ErrorIs(t, err, ErrNoTransport)
		assert.Equal(t, []string{"fake", "urn:mmate:transport:fake"}, reg.Namespaces())
	})
}
