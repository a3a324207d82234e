package interceptors

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects interceptor names in execution order
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func recording(r *recorder, name, phase string, opts ...Option) *InterceptorFunc {
	return NewInterceptorFunc(name, phase, func(ctx context.Context, msg *contracts.Message) Result {
		r.add(name)
		return Continue()
	}, opts...)
}

func testTable() *PhaseTable {
	return MustPhaseTable(InPhaseNames...)
}

func TestPhaseTable(t *testing.T) {
	t.Run("positions follow declaration order", func(t *testing.T) {
		table, err := NewPhaseTable("a", "b", "c")
		require.NoError(t, err)

		idx, ok := table.Index("c")
		assert.True(t, ok)
		assert.Equal(t, 2, idx)
		assert.Equal(t, []string{"a", "b", "c"}, table.Names())
		assert.False(t, table.Contains("d"))
	})

	t.Run("rejects duplicate phases", func(t *testing.T) {
		_, err := NewPhaseTable("a", "b", "a")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects empty tables", func(t *testing.T) {
		_, err := NewPhaseTable()
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("tables have distinct identities", func(t *testing.T) {
		assert.NotEqual(t, testTable().ID(), testTable().ID())
	})
}

func TestBuild(t *testing.T) {
	r := &recorder{}

	t.Run("orders by phase then contribution order", func(t *testing.T) {
		tmpl, err := Build(testTable(),
			[]Interceptor{recording(r, "invoker", PhaseInvoke), recording(r, "reader", PhaseRead)},
			[]Interceptor{recording(r, "receiver", PhaseReceive), recording(r, "reader2", PhaseRead)},
		)
		require.NoError(t, err)
		assert.Equal(t, []string{"receiver", "reader", "reader2", "invoker"}, tmpl.Names())
	})

	t.Run("appended after constraint lands behind its target", func(t *testing.T) {
		a := recording(r, "A", PhaseReceive)
		b := recording(r, "B", PhaseReceive, RunAfter("A"))
		c := recording(r, "C", PhaseInvoke)

		tmpl, err := Build(testTable(), []Interceptor{a, c}, []Interceptor{b})
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, tmpl.Names())
	})

	t.Run("before constraint overrides contribution order", func(t *testing.T) {
		first := recording(r, "first", PhaseUserLogical)
		second := recording(r, "second", PhaseUserLogical)
		late := recording(r, "late", PhaseUserLogical, RunBefore("first"))

		tmpl, err := Build(testTable(), []Interceptor{first, second}, []Interceptor{late})
		require.NoError(t, err)
		assert.Equal(t, []string{"late", "first", "second"}, tmpl.Names())
	})

	t.Run("three interceptors with mixed constraints", func(t *testing.T) {
		x := recording(r, "X", PhasePreInvoke, RunAfter("Z"))
		y := recording(r, "Y", PhasePreInvoke, RunBefore("X"))
		z := recording(r, "Z", PhasePreInvoke)

		tmpl, err := Build(testTable(), []Interceptor{x, y, z})
		require.NoError(t, err)
		assert.Equal(t, []string{"Y", "Z", "X"}, tmpl.Names())
	})

	t.Run("is deterministic", func(t *testing.T) {
		lists := [][]Interceptor{
			{recording(r, "p", PhaseRead), recording(r, "q", PhaseRead, RunAfter("s"))},
			{recording(r, "s", PhaseRead), recording(r, "t", PhaseReceive)},
		}
		table := testTable()

		first, err := Build(table, lists...)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := Build(table, lists...)
			require.NoError(t, err)
			assert.Equal(t, first.Names(), again.Names())
		}
	})

	t.Run("duplicate names keep the first contribution", func(t *testing.T) {
		outer := recording(r, "dup", PhaseReceive)
		inner := recording(r, "dup", PhaseInvoke)

		tmpl, err := Build(testTable(), []Interceptor{outer}, []Interceptor{inner})
		require.NoError(t, err)
		require.Equal(t, 1, tmpl.Len())
		assert.Same(t, outer, tmpl.Interceptors()[0])
	})

	t.Run("constraints on absent names are ignored", func(t *testing.T) {
		tmpl, err := Build(testTable(), []Interceptor{
			recording(r, "lonely", PhaseReceive, RunAfter("missing"), RunBefore("also-missing")),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"lonely"}, tmpl.Names())
	})

	t.Run("unknown phase is a configuration error", func(t *testing.T) {
		_, err := Build(testTable(), []Interceptor{recording(r, "x", "no-such-phase")})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownPhase)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "x", cfgErr.Interceptor)
	})

	t.Run("cross-phase constraint is a configuration error", func(t *testing.T) {
		_, err := Build(testTable(), []Interceptor{
			recording(r, "a", PhaseReceive),
			recording(r, "b", PhaseInvoke, RunAfter("a")),
		})
		assert.ErrorIs(t, err, ErrCrossPhaseConstraint)
	})

	t.Run("cycle is a configuration error", func(t *testing.T) {
		_, err := Build(testTable(), []Interceptor{
			recording(r, "a", PhaseRead, RunAfter("b")),
			recording(r, "b", PhaseRead, RunAfter("a")),
		})
		assert.ErrorIs(t, err, ErrConstraintCycle)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("nil table", func(t *testing.T) {
		_, err := Build(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestList(t *testing.T) {
	r := &recorder{}

	t.Run("add and remove bump the version", func(t *testing.T) {
		l := NewList(recording(r, "a", PhaseReceive))
		assert.Equal(t, uint64(0), l.Version())

		l.Add(recording(r, "b", PhaseReceive))
		assert.Equal(t, 2, l.Len())
		assert.Equal(t, uint64(1), l.Version())

		assert.True(t, l.Remove("a"))
		assert.False(t, l.Remove("a"))
		assert.Equal(t, uint64(2), l.Version())
	})

	t.Run("snapshots are unaffected by later appends", func(t *testing.T) {
		l := NewList(recording(r, "a", PhaseReceive))
		snap, _ := l.Snapshot()
		l.Add(recording(r, "b", PhaseReceive))
		assert.Len(t, snap, 1)
	})

	t.Run("concurrent append while iterating", func(t *testing.T) {
		l := NewList()
		table := testTable()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Add(NewInterceptorFunc(string(rune('a'+i%26))+string(rune('0'+i/26)), PhaseRead,
					func(ctx context.Context, msg *contracts.Message) Result { return Continue() }))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				items, _ := l.Snapshot()
				_, err := Build(table, items)
				assert.NoError(t, err)
			}
		}()
		wg.Wait()
		assert.Equal(t, 200, l.Len())
	})
}
