package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// Watchdog times out chains that stay paused too long by injecting a
// TimeoutError into their fault path. A chain that is executing when the
// timer fires is left alone.
type Watchdog struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WatchdogOption configures the watchdog
type WatchdogOption func(*Watchdog)

// WithWatchdogLogger sets the logger
func WithWatchdogLogger(logger *slog.Logger) WatchdogOption {
	return func(w *Watchdog) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatchdog creates a watchdog with the given timeout
func NewWatchdog(timeout time.Duration, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Timeout returns the configured timeout
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Watch arms a timer for chain. The returned stop function disarms it.
func (w *Watchdog) Watch(ctx context.Context, chain *Chain, msg *contracts.Message) (stop func() bool) {
	timer := time.AfterFunc(w.timeout, func() {
		if chain.State() != contracts.ChainPaused {
			return
		}
		terr := &TimeoutError{MessageID: msg.ID(), Phase: chain.CurrentPhase(), Timeout: w.timeout}
		_, err := chain.InjectFault(context.WithoutCancel(ctx), msg, terr)
		switch {
		case errors.Is(err, ErrChainNotPaused), errors.Is(err, ErrChainTerminated):
			// resumed or finished while the timer fired
		case err != nil && !errors.Is(err, ErrTimeout):
			w.logger.Error("fault chain failed after timeout", "messageId", msg.ID(), "error", err)
		default:
			w.logger.Warn("paused chain timed out", "messageId", msg.ID(), "timeout", w.timeout)
		}
	})
	return timer.Stop
}

// TimeoutInterceptor arms a Watchdog for every message passing through it
type TimeoutInterceptor struct {
	Base
	watchdog *Watchdog
}

// NewTimeoutInterceptor creates a pre-invoke interceptor that times out
// invocations left paused longer than timeout
func NewTimeoutInterceptor(timeout time.Duration, opts ...WatchdogOption) *TimeoutInterceptor {
	return &TimeoutInterceptor{
		Base:     NewBase("TimeoutInterceptor", PhasePreInvoke),
		watchdog: NewWatchdog(timeout, opts...),
	}
}

// Handle implements Interceptor
func (i *TimeoutInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	if chain := ChainOf(msg); chain != nil {
		i.watchdog.Watch(ctx, chain, msg)
	}
	return Continue()
}
