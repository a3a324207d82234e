package interceptors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// undoInterceptor records executions and fault unwinding
type undoInterceptor struct {
	Base
	r      *recorder
	result Result
}

func (i *undoInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	i.r.add(i.Name())
	return i.result
}

func (i *undoInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	i.r.add("undo:" + i.Name())
}

func newUndo(r *recorder, name, phase string, result Result) *undoInterceptor {
	return &undoInterceptor{Base: NewBase(name, phase), r: r, result: result}
}

func buildChain(t *testing.T, table *PhaseTable, ics ...Interceptor) *Chain {
	t.Helper()
	tmpl, err := Build(table, ics)
	require.NoError(t, err)
	return tmpl.NewChain()
}

type observerCalls struct {
	mu   sync.Mutex
	msgs []*contracts.Message
}

func (o *observerCalls) OnMessage(ctx context.Context, msg *contracts.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *observerCalls) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

func TestChainRun(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every interceptor and completes", func(t *testing.T) {
		r := &recorder{}
		chain := buildChain(t, testTable(),
			recording(r, "invoke", PhaseInvoke),
			recording(r, "receive", PhaseReceive),
		)
		msg := contracts.NewMessage()

		state, err := chain.Run(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, contracts.ChainComplete, state)
		assert.Equal(t, []string{"receive", "invoke"}, r.get())
		assert.Same(t, chain, ChainOf(msg))
	})

	t.Run("terminal chain runs nothing", func(t *testing.T) {
		r := &recorder{}
		chain := buildChain(t, testTable(), recording(r, "only", PhaseReceive))
		msg := contracts.NewMessage()

		_, err := chain.Run(ctx, msg)
		require.NoError(t, err)

		state, err := chain.Run(ctx, msg)
		assert.ErrorIs(t, err, ErrChainTerminated)
		assert.Equal(t, contracts.ChainComplete, state)

		_, err = chain.Resume(ctx, msg)
		assert.ErrorIs(t, err, ErrChainTerminated)
		assert.Equal(t, []string{"only"}, r.get())
	})

	t.Run("abort stops the chain without a fault", func(t *testing.T) {
		r := &recorder{}
		aborter := NewInterceptorFunc("aborter", PhaseRead, func(ctx context.Context, msg *contracts.Message) Result {
			ChainOf(msg).Abort()
			return Continue()
		})
		chain := buildChain(t, testTable(), aborter, recording(r, "after", PhaseInvoke))

		state, err := chain.Run(ctx, contracts.NewMessage())
		require.NoError(t, err)
		assert.Equal(t, contracts.ChainAborted, state)
		assert.Empty(t, r.get())
	})
}

func TestChainPauseResume(t *testing.T) {
	ctx := context.Background()

	t.Run("resume continues after the pausing interceptor", func(t *testing.T) {
		r := &recorder{}
		chain := buildChain(t, testTable(),
			recording(r, "1", PhaseReceive),
			newUndo(r, "2", PhaseRead, Pause()),
			recording(r, "3", PhasePreInvoke),
			recording(r, "4", PhaseInvoke),
		)
		msg := contracts.NewMessage()

		state, err := chain.Run(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, contracts.ChainPaused, state)
		assert.Equal(t, []string{"1", "2"}, r.get())
		assert.Equal(t, PhaseRead, chain.CurrentPhase())

		done := make(chan contracts.ChainState)
		go func() {
			st, err := chain.Resume(ctx, msg)
			assert.NoError(t, err)
			done <- st
		}()

		select {
		case st := <-done:
			assert.Equal(t, contracts.ChainComplete, st)
		case <-time.After(time.Second):
			t.Fatal("resume did not return")
		}
		assert.Equal(t, []string{"1", "2", "3", "4"}, r.get())
	})

	t.Run("resume on a running chain is rejected", func(t *testing.T) {
		chain := buildChain(t, testTable(), recording(&recorder{}, "x", PhaseReceive))
		_, err := chain.Resume(ctx, contracts.NewMessage())
		assert.ErrorIs(t, err, ErrChainNotPaused)
	})

	t.Run("resume racing the pausing goroutine waits for it", func(t *testing.T) {
		r := &recorder{}
		started := make(chan struct{})
		release := make(chan struct{})
		var chain *Chain

		pauser := NewInterceptorFunc("pauser", PhaseRead, func(ctx context.Context, msg *contracts.Message) Result {
			ChainOf(msg).Pause()
			close(started)
			<-release
			r.add("pauser")
			return Continue()
		})
		chain = buildChain(t, testTable(), pauser, recording(r, "next", PhaseInvoke))
		msg := contracts.NewMessage()

		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			st, err := chain.Run(ctx, msg)
			assert.NoError(t, err)
			assert.Equal(t, contracts.ChainPaused, st)
		}()

		<-started
		resumeDone := make(chan struct{})
		go func() {
			defer close(resumeDone)
			_, err := chain.Resume(ctx, msg)
			assert.NoError(t, err)
		}()

		close(release)
		<-runDone
		<-resumeDone
		assert.Equal(t, []string{"pauser", "next"}, r.get())
		assert.Equal(t, contracts.ChainComplete, chain.State())
	})
}

func TestChainFaults(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("fault runs the fault chain once and notifies the observer once", func(t *testing.T) {
		r := &recorder{}
		faultTable := MustPhaseTable("invoke-fault")
		faultTmpl, err := Build(faultTable, []Interceptor{recording(r, "F1", "invoke-fault")})
		require.NoError(t, err)

		obs := &observerCalls{}
		tmpl, err := Build(testTable(), []Interceptor{
			newUndo(r, "A", PhaseReceive, Continue()),
			newUndo(r, "C", PhaseInvoke, Fault(boom)),
			recording(r, "D", PhasePostInvoke),
		})
		require.NoError(t, err)
		chain := tmpl.NewChain(WithFaultChain(faultTmpl.NewChain()), WithFaultObserver(obs))

		ex := contracts.NewExchange()
		msg := contracts.NewMessage()
		ex.SetInMessage(msg)

		state, err := chain.Run(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, contracts.ChainAborted, state)
		assert.Equal(t, contracts.ChainAborted, chain.State())
		assert.Equal(t, []string{"A", "C", "undo:C", "undo:A", "F1"}, r.get())

		require.Equal(t, 1, obs.count())
		fm := obs.msgs[0]
		assert.ErrorIs(t, fm.Fault(), boom)
		assert.Equal(t, PhaseInvoke, fm.GetString(contracts.KeyFaultPhase))
		assert.Same(t, fm, ex.OutFaultMessage())
		assert.ErrorIs(t, msg.Fault(), boom)
	})

	t.Run("fault chain starts at the faulting phase when it has one", func(t *testing.T) {
		r := &recorder{}
		faultTmpl, err := Build(testTable(), []Interceptor{
			recording(r, "early", PhaseReceive),
			recording(r, "late", PhasePostInvoke),
		})
		require.NoError(t, err)

		chain := buildChain(t, testTable(), newUndo(r, "bad", PhaseInvoke, Fault(boom)))
		chain.SetFaultChain(faultTmpl.NewChain())

		_, err = chain.Run(ctx, contracts.NewMessage())
		require.NoError(t, err)
		assert.Equal(t, []string{"bad", "undo:bad", "late"}, r.get())
	})

	t.Run("without a fault chain the fault is returned", func(t *testing.T) {
		obs := &observerCalls{}
		chain := buildChain(t, testTable(), newUndo(&recorder{}, "bad", PhaseInvoke, Fault(boom)))
		chain.SetFaultObserver(obs)

		state, err := chain.Run(ctx, contracts.NewMessage())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, contracts.ChainAborted, state)
		assert.Equal(t, 1, obs.count())
	})

	t.Run("fault in the fault chain keeps the first fault", func(t *testing.T) {
		second := errors.New("second")
		obs := &observerCalls{}
		faultChain := buildChain(t, testTable(), newUndo(&recorder{}, "broken", PhasePostInvoke, Fault(second)))
		chain := buildChain(t, testTable(), newUndo(&recorder{}, "bad", PhaseInvoke, Fault(boom)))
		chain.SetFaultChain(faultChain)
		chain.SetFaultObserver(obs)

		_, err := chain.Run(ctx, contracts.NewMessage())
		assert.ErrorIs(t, err, second)
		require.Equal(t, 1, obs.count())
		assert.ErrorIs(t, obs.msgs[0].Fault(), boom)
		assert.Equal(t, contracts.ChainAborted, faultChain.State())
	})

	t.Run("panic becomes a fault", func(t *testing.T) {
		panicky := NewInterceptorFunc("panicky", PhaseInvoke, func(ctx context.Context, msg *contracts.Message) Result {
			panic("kaboom")
		})
		chain := buildChain(t, testTable(), panicky)

		_, err := chain.Run(ctx, contracts.NewMessage())
		var perr *PanicError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "panicky", perr.Interceptor)
	})

	t.Run("inject fault into a paused chain", func(t *testing.T) {
		r := &recorder{}
		obs := &observerCalls{}
		chain := buildChain(t, testTable(),
			newUndo(r, "waiter", PhaseRead, Pause()),
			recording(r, "never", PhaseInvoke),
		)
		chain.SetFaultObserver(obs)
		msg := contracts.NewMessage()

		_, err := chain.Run(ctx, msg)
		require.NoError(t, err)

		state, err := chain.InjectFault(ctx, msg, boom)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, contracts.ChainAborted, state)
		assert.Equal(t, []string{"waiter", "undo:waiter"}, r.get())
		assert.Equal(t, 1, obs.count())

		_, err = chain.InjectFault(ctx, msg, boom)
		assert.ErrorIs(t, err, ErrChainTerminated)
	})
}

func TestChainStartPoints(t *testing.T) {
	ctx := context.Background()

	t.Run("run starting after a named interceptor", func(t *testing.T) {
		r := &recorder{}
		chain := buildChain(t, testTable(),
			recording(r, "a", PhaseReceive),
			recording(r, "b", PhaseRead),
			recording(r, "c", PhaseInvoke),
		)

		_, err := chain.RunStartingAfter(ctx, contracts.NewMessage(), "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, r.get())
	})

	t.Run("run starting after an unknown interceptor", func(t *testing.T) {
		chain := buildChain(t, testTable(), recording(&recorder{}, "a", PhaseReceive))
		_, err := chain.RunStartingAfter(ctx, contracts.NewMessage(), "zzz")
		assert.ErrorIs(t, err, ErrInterceptorNotFound)
	})

	t.Run("run from a phase", func(t *testing.T) {
		r := &recorder{}
		chain := buildChain(t, testTable(),
			recording(r, "a", PhaseReceive),
			recording(r, "c", PhaseInvoke),
		)

		_, err := chain.RunFrom(ctx, contracts.NewMessage(), PhasePreInvoke)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, r.get())
	})
}

func TestChainAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("added interceptor runs in its phase without touching the template", func(t *testing.T) {
		r := &recorder{}
		tmpl, err := Build(testTable(), []Interceptor{
			NewInterceptorFunc("adder", PhaseReceive, func(ctx context.Context, msg *contracts.Message) Result {
				r.add("adder")
				return Fault(ChainOf(msg).Add(recording(r, "added", PhaseRead)))
			}),
			recording(r, "reader", PhaseRead, RunAfter("added")),
			recording(r, "invoker", PhaseInvoke),
		})
		require.NoError(t, err)

		chain := tmpl.NewChain()
		_, err = chain.Run(ctx, contracts.NewMessage())
		require.NoError(t, err)
		assert.Equal(t, []string{"adder", "added", "reader", "invoker"}, r.get())
		assert.Equal(t, 3, tmpl.Len())
		assert.Len(t, chain.Names(), 4)
	})

	t.Run("added interceptor with unknown phase is rejected", func(t *testing.T) {
		chain := buildChain(t, testTable(), recording(&recorder{}, "a", PhaseReceive))
		err := chain.Add(recording(&recorder{}, "b", "nowhere"))
		assert.ErrorIs(t, err, ErrUnknownPhase)
	})

	t.Run("added interceptor with cross-phase constraint is rejected", func(t *testing.T) {
		chain := buildChain(t, testTable(), recording(&recorder{}, "a", PhaseReceive))
		err := chain.Add(recording(&recorder{}, "b", PhaseInvoke, RunAfter("a")))
		assert.ErrorIs(t, err, ErrCrossPhaseConstraint)
	})
}
