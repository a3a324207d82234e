package interceptors

import (
	"context"

	"github.com/glimte/mmate-rpc/contracts"
)

type resultKind int

const (
	resultContinue resultKind = iota
	resultPause
	resultFault
)

// Result is the tagged outcome of one interceptor invocation
type Result struct {
	kind resultKind
	err  error
}

// Continue lets the chain proceed to the next interceptor
func Continue() Result {
	return Result{kind: resultContinue}
}

// Pause suspends the chain after this interceptor; a later Resume continues
// with the next one.
func Pause() Result {
	return Result{kind: resultPause}
}

// Fault aborts the chain and diverts the message to the fault chain. A nil
// error is treated as Continue.
func Fault(err error) Result {
	if err == nil {
		return Continue()
	}
	return Result{kind: resultFault, err: err}
}

// IsFault reports whether the result carries a fault
func (r Result) IsFault() bool {
	return r.kind == resultFault
}

// IsPaused reports whether the interceptor asked to suspend the chain
func (r Result) IsPaused() bool {
	return r.kind == resultPause
}

// Err returns the fault, if any
func (r Result) Err() error {
	return r.err
}

// Interceptor is one processing unit bound to a phase
type Interceptor interface {
	// Name identifies the interceptor for ordering constraints and logging
	Name() string

	// Phase is the phase the interceptor runs in
	Phase() string

	// Before lists interceptors in the same phase this one must precede
	Before() []string

	// After lists interceptors in the same phase this one must follow
	After() []string

	// Handle processes the message
	Handle(ctx context.Context, msg *contracts.Message) Result
}

// FaultHandler is implemented by interceptors that undo work when a later
// interceptor in the same chain faults. Calls run in reverse order.
type FaultHandler interface {
	HandleFault(ctx context.Context, msg *contracts.Message)
}

// Option configures ordering constraints on a Base
type Option func(*Base)

// RunBefore adds names this interceptor must precede
func RunBefore(names ...string) Option {
	return func(b *Base) {
		b.before = append(b.before, names...)
	}
}

// RunAfter adds names this interceptor must follow
func RunAfter(names ...string) Option {
	return func(b *Base) {
		b.after = append(b.after, names...)
	}
}

// Base carries the name, phase and ordering constraints of an interceptor.
// Embed it and implement Handle.
type Base struct {
	name   string
	phase  string
	before []string
	after  []string
}

// NewBase creates a Base
func NewBase(name, phase string, opts ...Option) Base {
	b := Base{name: name, phase: phase}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Name implements Interceptor
func (b *Base) Name() string {
	return b.name
}

// Phase implements Interceptor
func (b *Base) Phase() string {
	return b.phase
}

// Before implements Interceptor
func (b *Base) Before() []string {
	return b.before
}

// After implements Interceptor
func (b *Base) After() []string {
	return b.after
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	Base
	fn func(ctx context.Context, msg *contracts.Message) Result
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name, phase string, fn func(ctx context.Context, msg *contracts.Message) Result, opts ...Option) *InterceptorFunc {
	return &InterceptorFunc{Base: NewBase(name, phase, opts...), fn: fn}
}

// Handle implements Interceptor
func (i *InterceptorFunc) Handle(ctx context.Context, msg *contracts.Message) Result {
	return i.fn(ctx, msg)
}

// ChainOf returns the chain processing msg, or nil when it is not an
// engine-built chain.
func ChainOf(msg *contracts.Message) *Chain {
	c, _ := msg.Chain().(*Chain)
	return c
}
