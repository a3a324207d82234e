package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
)

// Invoker runs the business logic of an operation
type Invoker interface {
	Invoke(ctx context.Context, ex *contracts.Exchange, request []byte) ([]byte, error)
}

// InvokerFunc is a function adapter for Invoker
type InvokerFunc func(ctx context.Context, ex *contracts.Exchange, request []byte) ([]byte, error)

// Invoke implements Invoker
func (f InvokerFunc) Invoke(ctx context.Context, ex *contracts.Exchange, request []byte) ([]byte, error) {
	return f(ctx, ex, request)
}

// AsyncInvoker completes an operation later by calling done. The inbound
// chain is paused while the operation is outstanding.
type AsyncInvoker interface {
	Invoker
	InvokeAsync(ctx context.Context, ex *contracts.Exchange, request []byte, done func([]byte, error))
}

// AsyncInvokerFunc is a function adapter for AsyncInvoker
type AsyncInvokerFunc func(ctx context.Context, ex *contracts.Exchange, request []byte, done func([]byte, error))

// InvokeAsync implements AsyncInvoker
func (f AsyncInvokerFunc) InvokeAsync(ctx context.Context, ex *contracts.Exchange, request []byte, done func([]byte, error)) {
	f(ctx, ex, request, done)
}

// Invoke implements Invoker by waiting for done
func (f AsyncInvokerFunc) Invoke(ctx context.Context, ex *contracts.Exchange, request []byte) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	var once sync.Once
	f(ctx, ex, request, func(body []byte, err error) {
		once.Do(func() {
			ch <- result{body: body, err: err}
		})
	})

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Service groups the operations of one endpoint and contributes
// service-level interceptors
type Service struct {
	name     string
	provider *interceptors.Provider

	mu         sync.RWMutex
	operations map[string]Invoker
	fallback   Invoker
}

// NewService creates a service. fallback handles operations without a
// dedicated invoker and may be nil.
func NewService(name string, fallback Invoker) *Service {
	return &Service{
		name:       name,
		provider:   interceptors.NewProvider(),
		operations: make(map[string]Invoker),
		fallback:   fallback,
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return s.name
}

// Interceptors returns the service-level interceptor lists
func (s *Service) Interceptors() *interceptors.Provider {
	return s.provider
}

// Handle registers the invoker for an operation
func (s *Service) Handle(operation string, inv Invoker) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[operation] = inv
	return s
}

// HandleFunc registers a function as the invoker for an operation
func (s *Service) HandleFunc(operation string, fn func(ctx context.Context, ex *contracts.Exchange, request []byte) ([]byte, error)) *Service {
	return s.Handle(operation, InvokerFunc(fn))
}

// Invoker returns the invoker for operation
func (s *Service) Invoker(operation string) (Invoker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inv, ok := s.operations[operation]; ok {
		return inv, nil
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q on service %s", ErrUnknownOperation, operation, s.name)
}

// Operations returns the names of the registered operations
func (s *Service) Operations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.operations))
	for name := range s.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
