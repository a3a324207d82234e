package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/contracts"
)

// ChainOption configures a chain created from a Template
type ChainOption func(*Chain)

// WithChainLogger sets the logger
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFaultChain installs the chain faults are diverted to
func WithFaultChain(fc *Chain) ChainOption {
	return func(c *Chain) {
		c.SetFaultChain(fc)
	}
}

// WithFaultObserver sets the observer notified once per fault
func WithFaultObserver(obs contracts.MessageObserver) ChainOption {
	return func(c *Chain) {
		c.faultObserver = obs
	}
}

// Chain is a resolved, single-use interceptor sequence for one message. It
// is driven by one goroutine at a time; the only hand-off point is a pause
// followed by Resume (or InjectFault) from another goroutine.
type Chain struct {
	// mu is held while interceptors run so a Resume racing the pausing
	// goroutine waits for it to unwind.
	mu    sync.Mutex
	state atomic.Int32

	table   *PhaseTable
	entries []entry
	cursor  int
	current int

	faultChain    *Chain
	faultObserver contracts.MessageObserver
	isFaultChain  bool
	notified      bool
	finish        func(ctx context.Context, msg *contracts.Message)

	logger *slog.Logger
}

// State implements contracts.Chain
func (c *Chain) State() contracts.ChainState {
	return contracts.ChainState(c.state.Load())
}

// Table returns the phase table the chain was built for
func (c *Chain) Table() *PhaseTable {
	return c.table
}

// SetFaultChain installs the chain faults are diverted to
func (c *Chain) SetFaultChain(fc *Chain) {
	if fc != nil {
		fc.isFaultChain = true
	}
	c.faultChain = fc
}

// FaultChain returns the installed fault chain
func (c *Chain) FaultChain() *Chain {
	return c.faultChain
}

// SetFaultObserver sets the observer notified once per fault
func (c *Chain) SetFaultObserver(obs contracts.MessageObserver) {
	c.faultObserver = obs
}

// FaultObserver returns the fault observer
func (c *Chain) FaultObserver() contracts.MessageObserver {
	return c.faultObserver
}

// Interceptors returns the current sequence
func (c *Chain) Interceptors() []Interceptor {
	out := make([]Interceptor, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.ic
	}
	return out
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.ic.Name()
	}
	return out
}

// Pause marks the chain paused. An interceptor calls it (or returns Pause())
// before handing the message to whatever will call Resume.
func (c *Chain) Pause() {
	c.state.CompareAndSwap(int32(contracts.ChainExecuting), int32(contracts.ChainPaused))
}

// Abort stops the chain without a fault. A complete chain stays complete.
func (c *Chain) Abort() {
	for {
		cur := c.state.Load()
		if cur == int32(contracts.ChainComplete) || cur == int32(contracts.ChainAborted) {
			return
		}
		if c.state.CompareAndSwap(cur, int32(contracts.ChainAborted)) {
			return
		}
	}
}

// Run starts the chain, or continues a paused one, from the cursor. The
// returned error is non-nil when a fault escaped: no fault chain was
// installed, or the fault chain itself faulted.
func (c *Chain) Run(ctx context.Context, msg *contracts.Message) (contracts.ChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.State()
	if st.Terminal() {
		return st, ErrChainTerminated
	}
	c.state.Store(int32(contracts.ChainExecuting))
	return c.execute(ctx, msg)
}

// Resume continues a paused chain with the interceptor after the one that
// paused it. It must not be called from inside that interceptor's Handle.
func (c *Chain) Resume(ctx context.Context, msg *contracts.Message) (contracts.ChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.State()
	if st.Terminal() {
		return st, ErrChainTerminated
	}
	if st != contracts.ChainPaused {
		return st, ErrChainNotPaused
	}
	c.state.Store(int32(contracts.ChainExecuting))
	return c.execute(ctx, msg)
}

// RunFrom starts the chain at the first interceptor of the named phase or
// any later phase.
func (c *Chain) RunFrom(ctx context.Context, msg *contracts.Message, phase string) (contracts.ChainState, error) {
	idx, ok := c.table.Index(phase)
	if !ok {
		return c.State(), &ConfigError{Op: "run", Phase: phase, Err: ErrUnknownPhase}
	}
	return c.startAt(ctx, msg, c.firstAtOrAfter(idx))
}

// RunStartingAfter starts the chain with the interceptor following name
func (c *Chain) RunStartingAfter(ctx context.Context, msg *contracts.Message, name string) (contracts.ChainState, error) {
	for i, e := range c.entries {
		if e.ic.Name() == name {
			return c.startAt(ctx, msg, i+1)
		}
	}
	return c.State(), fmt.Errorf("%w: %s", ErrInterceptorNotFound, name)
}

// InjectFault diverts a paused chain to its fault path as if the interceptor
// that paused it had faulted with err. Watchdogs use it to time out
// suspended work.
func (c *Chain) InjectFault(ctx context.Context, msg *contracts.Message, err error) (contracts.ChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.State()
	if st.Terminal() {
		return st, ErrChainTerminated
	}
	if st != contracts.ChainPaused {
		return st, ErrChainNotPaused
	}
	c.state.Store(int32(contracts.ChainExecuting))
	return c.fail(ctx, msg, err)
}

// CurrentPhase returns the phase of the interceptor that ran last, or "" if
// nothing ran yet.
func (c *Chain) CurrentPhase() string {
	if c.current < 0 || c.current >= len(c.entries) {
		return ""
	}
	return c.table.Phase(c.entries[c.current].phase).Name
}

// Add inserts an interceptor into this chain only. It lands in its phase
// among the interceptors that have not run yet, ordered by its constraints.
// A name already in the chain is ignored.
func (c *Chain) Add(ic Interceptor) error {
	idx, ok := c.table.Index(ic.Phase())
	if !ok {
		return &ConfigError{Op: "add", Interceptor: ic.Name(), Phase: ic.Phase(), Err: ErrUnknownPhase}
	}
	for _, e := range c.entries {
		if e.ic.Name() == ic.Name() {
			return nil
		}
	}
	if err := c.checkAddConstraints(ic, idx); err != nil {
		return err
	}

	start := c.firstAtOrAfter(idx)
	end := c.firstAtOrAfter(idx + 1)

	lo := start
	if c.cursor > lo {
		lo = c.cursor
	}
	if lo > end {
		// the phase has already run; keep the interceptor for inspection only
		lo = end
	}

	segment := make([]Interceptor, 0, end-lo+1)
	for _, e := range c.entries[lo:end] {
		segment = append(segment, e.ic)
	}
	segment = append(segment, ic)
	sorted, err := sortPhase(segment)
	if err != nil {
		return &ConfigError{Op: "add", Interceptor: ic.Name(), Phase: ic.Phase(), Err: err}
	}

	entries := make([]entry, 0, len(c.entries)+1)
	entries = append(entries, c.entries[:lo]...)
	for _, s := range sorted {
		entries = append(entries, entry{ic: s, phase: idx})
	}
	entries = append(entries, c.entries[end:]...)

	if lo < c.cursor {
		c.cursor++
	}
	c.entries = entries
	return nil
}

func (c *Chain) checkAddConstraints(ic Interceptor, idx int) error {
	names := append(append([]string(nil), ic.Before()...), ic.After()...)
	for _, name := range names {
		for _, e := range c.entries {
			if e.ic.Name() == name && e.phase != idx {
				return &ConfigError{
					Op:          "add",
					Interceptor: ic.Name(),
					Phase:       ic.Phase(),
					Err:         fmt.Errorf("%w: %s is in phase %s", ErrCrossPhaseConstraint, name, c.table.Phase(e.phase).Name),
				}
			}
		}
	}
	return nil
}

func (c *Chain) firstAtOrAfter(phase int) int {
	for i, e := range c.entries {
		if e.phase >= phase {
			return i
		}
	}
	return len(c.entries)
}

func (c *Chain) startAt(ctx context.Context, msg *contracts.Message, i int) (contracts.ChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.State()
	if st.Terminal() {
		return st, ErrChainTerminated
	}
	c.cursor = i
	c.state.Store(int32(contracts.ChainExecuting))
	return c.execute(ctx, msg)
}

func (c *Chain) execute(ctx context.Context, msg *contracts.Message) (contracts.ChainState, error) {
	msg.SetChain(c)

	for c.cursor < len(c.entries) {
		e := c.entries[c.cursor]
		c.current = c.cursor
		c.cursor++

		res := c.invoke(ctx, e.ic, msg)
		if res.IsFault() {
			return c.fail(ctx, msg, res.Err())
		}
		if res.IsPaused() {
			c.Pause()
		}

		switch st := c.State(); st {
		case contracts.ChainPaused:
			c.logger.Debug("chain paused",
				"messageId", msg.ID(),
				"interceptor", e.ic.Name(),
				"phase", c.table.Phase(e.phase).Name,
			)
			return st, nil
		case contracts.ChainAborted:
			c.logger.Debug("chain aborted",
				"messageId", msg.ID(),
				"interceptor", e.ic.Name(),
			)
			c.terminate(ctx, msg)
			return st, nil
		}
	}

	c.state.CompareAndSwap(int32(contracts.ChainExecuting), int32(contracts.ChainComplete))
	c.terminate(ctx, msg)
	return c.State(), nil
}

func (c *Chain) invoke(ctx context.Context, ic Interceptor, msg *contracts.Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fault(&PanicError{Interceptor: ic.Name(), Value: r})
		}
	}()
	return ic.Handle(ctx, msg)
}

// fail unwinds the interceptors that ran, aborts the chain and hands the
// fault to the fault chain, or to the fault observer when there is none.
func (c *Chain) fail(ctx context.Context, msg *contracts.Message, err error) (contracts.ChainState, error) {
	phase := c.CurrentPhase()
	name := ""
	if c.current >= 0 && c.current < len(c.entries) {
		name = c.entries[c.current].ic.Name()
	}

	c.logger.Warn("interceptor fault",
		"messageId", msg.ID(),
		"interceptor", name,
		"phase", phase,
		"error", err,
	)

	// in a fault chain the message already is the fault message; the first
	// fault wins
	if !c.isFaultChain || msg.Fault() == nil {
		msg.SetFault(err)
	}
	c.unwind(ctx, msg)
	c.state.Store(int32(contracts.ChainAborted))

	if c.isFaultChain {
		c.terminate(ctx, msg)
		return contracts.ChainAborted, err
	}

	fm := contracts.NewFaultMessage(msg, err)
	fm.Put(contracts.KeyFaultPhase, phase)

	fc := c.faultChain
	if fc == nil {
		c.notifyFault(ctx, fm)
		c.terminate(ctx, msg)
		return contracts.ChainAborted, err
	}

	fc.finish = c.notifyFault
	_, ferr := fc.runFaultFrom(ctx, fm, phase)
	c.terminate(ctx, msg)
	return contracts.ChainAborted, ferr
}

func (c *Chain) runFaultFrom(ctx context.Context, msg *contracts.Message, phase string) (contracts.ChainState, error) {
	start := 0
	if idx, ok := c.table.Index(phase); ok {
		start = c.firstAtOrAfter(idx)
	}
	return c.startAt(ctx, msg, start)
}

func (c *Chain) unwind(ctx context.Context, msg *contracts.Message) {
	for i := c.current; i >= 0; i-- {
		fh, ok := c.entries[i].ic.(FaultHandler)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("fault handler panicked",
						"interceptor", c.entries[i].ic.Name(),
						"panic", r,
					)
				}
			}()
			fh.HandleFault(ctx, msg)
		}()
	}
}

func (c *Chain) notifyFault(ctx context.Context, fm *contracts.Message) {
	if c.notified {
		return
	}
	c.notified = true
	if c.faultObserver != nil {
		c.faultObserver.OnMessage(ctx, fm)
	}
}

func (c *Chain) terminate(ctx context.Context, msg *contracts.Message) {
	if c.finish == nil {
		return
	}
	f := c.finish
	c.finish = nil
	f(ctx, msg)
}
