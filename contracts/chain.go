package contracts

import (
	"context"
)

// ChainState is the execution state of an interceptor chain
type ChainState int

const (
	ChainExecuting ChainState = iota
	ChainPaused
	ChainComplete
	ChainAborted
)

// String returns the state name
func (s ChainState) String() string {
	switch s {
	case ChainExecuting:
		return "EXECUTING"
	case ChainPaused:
		return "PAUSED"
	case ChainComplete:
		return "COMPLETE"
	case ChainAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further interceptors can run
func (s ChainState) Terminal() bool {
	return s == ChainComplete || s == ChainAborted
}

// Chain is the view of an interceptor chain a message carries, enough for a
// transport callback to continue a paused chain.
type Chain interface {
	State() ChainState
	Resume(ctx context.Context, msg *Message) (ChainState, error)
}

// MessageObserver receives a fully or partially processed message
type MessageObserver interface {
	OnMessage(ctx context.Context, msg *Message)
}

// MessageObserverFunc is a function adapter for MessageObserver
type MessageObserverFunc func(ctx context.Context, msg *Message)

// OnMessage implements MessageObserver
func (f MessageObserverFunc) OnMessage(ctx context.Context, msg *Message) {
	f(ctx, msg)
}
