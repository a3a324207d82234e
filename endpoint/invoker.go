package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
)

// ServiceInvokerInterceptor runs the operation's invoker and stores its
// result on the exchange for the reply
type ServiceInvokerInterceptor struct {
	interceptors.Base
	logger *slog.Logger
}

// NewServiceInvokerInterceptor creates the invoke-phase interceptor
func NewServiceInvokerInterceptor(logger *slog.Logger) *ServiceInvokerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceInvokerInterceptor{
		Base:   interceptors.NewBase("ServiceInvokerInterceptor", interceptors.PhaseInvoke),
		logger: logger,
	}
}

// Handle implements interceptors.Interceptor
func (i *ServiceInvokerInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	ex := msg.Exchange()
	svc, ok := ServiceFrom(ex)
	if !ok {
		return interceptors.Fault(ErrNoService)
	}

	inv, err := svc.Invoker(msg.GetString(contracts.KeyOperation))
	if err != nil {
		return interceptors.Fault(&contracts.Fault{Code: contracts.FaultCodeClient, Message: err.Error(), Err: err})
	}

	request, err := readBody(msg)
	if err != nil {
		return interceptors.Fault(&contracts.Fault{Code: contracts.FaultCodeClient, Message: "unreadable request", Err: err})
	}

	if async, ok := inv.(AsyncInvoker); ok {
		if chain := interceptors.ChainOf(msg); chain != nil {
			var once sync.Once
			async.InvokeAsync(ctx, ex, request, func(result []byte, err error) {
				once.Do(func() {
					go i.complete(context.WithoutCancel(ctx), chain, msg, result, err)
				})
			})
			return interceptors.Pause()
		}
	}

	result, err := inv.Invoke(ctx, ex, request)
	if err != nil {
		return interceptors.Fault(contracts.AsFault(err))
	}
	ex.Put(contracts.KeyResult, result)
	return interceptors.Continue()
}

// complete resumes the chain paused for an async invoker
func (i *ServiceInvokerInterceptor) complete(ctx context.Context, chain *interceptors.Chain, msg *contracts.Message, result []byte, err error) {
	if err != nil {
		_, err = chain.InjectFault(ctx, msg, contracts.AsFault(err))
	} else {
		msg.Exchange().Put(contracts.KeyResult, result)
		_, err = chain.Resume(ctx, msg)
	}

	switch {
	case errors.Is(err, interceptors.ErrChainTerminated):
		// a watchdog got there first
		i.logger.Warn("late completion of async operation discarded", "messageId", msg.ID())
	case err != nil:
		i.logger.Error("async operation completion failed", "messageId", msg.ID(), "error", err)
	}
}

func readBody(msg *contracts.Message) ([]byte, error) {
	in := msg.Input()
	if in == nil {
		return nil, nil
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return body, nil
}
