package bus

import (
	"context"
	"testing"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b, err := New()
		require.NoError(t, err)

		assert.NotEmpty(t, b.ID())
		assert.Equal(t, interceptors.InPhaseNames, b.InPhases().Names())
		assert.Equal(t, interceptors.OutPhaseNames, b.OutPhases().Names())
		assert.NotNil(t, b.Registry())
		assert.NotNil(t, b.Interceptors().In())
	})

	t.Run("custom phases and registry", func(t *testing.T) {
		reg := transport.NewRegistry()
		b, err := New(WithID("bus-1"), WithInPhases("a", "b"), WithRegistry(reg))
		require.NoError(t, err)

		assert.Equal(t, "bus-1", b.ID())
		assert.Equal(t, []string{"a", "b"}, b.InPhases().Names())
		assert.Same(t, reg, b.Registry())
	})

	t.Run("duplicate phase names are rejected", func(t *testing.T) {
		_, err := New(WithOutPhases("a", "a"))
		assert.ErrorIs(t, err, interceptors.ErrInvalidConfiguration)
	})
}

func TestChains(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	var order []string
	b.Interceptors().In().Add(interceptors.NewInterceptorFunc("first", interceptors.PhaseReceive,
		func(ctx context.Context, msg *contracts.Message) interceptors.Result {
			order = append(order, "first")
			return interceptors.Continue()
		}))
	local := interceptors.NewList(interceptors.NewInterceptorFunc("second", interceptors.PhaseInvoke,
		func(ctx context.Context, msg *contracts.Message) interceptors.Result {
			order = append(order, "second")
			return interceptors.Continue()
		}))

	lists := []*interceptors.List{b.Interceptors().In(), local}
	c1, err := b.InChain(lists)
	require.NoError(t, err)
	c2, err := b.InChain(lists)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, uint64(1), b.Cache().Hits())

	st, err := c1.Run(context.Background(), contracts.NewMessage())
	require.NoError(t, err)
	assert.Equal(t, contracts.ChainComplete, st)
	assert.Equal(t, []string{"first", "second"}, order)

	out, err := b.OutChain([]*interceptors.List{b.Interceptors().Out()})
	require.NoError(t, err)
	assert.Same(t, b.OutPhases(), out.Table())
}

func TestFromExchange(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	_, ok := FromExchange(nil)
	assert.False(t, ok)

	ex := contracts.NewExchange()
	_, ok = FromExchange(ex)
	assert.False(t, ok)

	ex.Put(contracts.KeyBus, b)
	got, ok := FromExchange(ex)
	require.True(t, ok)
	assert.Same(t, b, got)

	b.Put("k", "v")
	v, ok := b.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
