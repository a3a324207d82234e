package interceptors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("interceptors: invalid configuration")
	ErrUnknownPhase         = errors.New("interceptors: unknown phase")
	ErrCrossPhaseConstraint = errors.New("interceptors: ordering constraint crosses phases")
	ErrConstraintCycle      = errors.New("interceptors: ordering constraints form a cycle")
	ErrInterceptorNotFound  = errors.New("interceptors: interceptor not found")

	// Execution errors
	ErrChainTerminated = errors.New("interceptors: chain already complete or aborted")
	ErrChainNotPaused  = errors.New("interceptors: chain is not paused")
	ErrTimeout         = errors.New("interceptors: processing timeout")
)

// ConfigError is raised while building a chain or phase table
type ConfigError struct {
	Op          string // Operation that failed
	Interceptor string // Interceptor name, if any
	Phase       string // Phase name, if any
	Err         error  // Underlying error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Interceptor != "" && e.Phase != "":
		return fmt.Sprintf("interceptors config error: %s: interceptor %s in phase %s: %v", e.Op, e.Interceptor, e.Phase, e.Err)
	case e.Interceptor != "":
		return fmt.Sprintf("interceptors config error: %s: interceptor %s: %v", e.Op, e.Interceptor, e.Err)
	case e.Phase != "":
		return fmt.Sprintf("interceptors config error: %s: phase %s: %v", e.Op, e.Phase, e.Err)
	default:
		return fmt.Sprintf("interceptors config error: %s: %v", e.Op, e.Err)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrInvalidConfiguration for every config error
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// TimeoutError is injected into a paused chain by a Watchdog
type TimeoutError struct {
	MessageID string
	Phase     string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("message %s timed out after %v while paused in phase %s", e.MessageID, e.Timeout, e.Phase)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// PanicError wraps a panic raised by an interceptor
type PanicError struct {
	Interceptor string
	Value       interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("interceptor %s panicked: %v", e.Interceptor, e.Value)
}
