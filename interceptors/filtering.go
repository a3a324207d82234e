package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-rpc/contracts"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently aborts the chain without a fault
	SkipSilently SkipBehavior = iota
	// SkipWithError faults the chain
	SkipWithError
	// SkipWithLog aborts the chain and logs the message
	SkipWithLog
)

// FilteringInterceptor stops messages a filter rejects
type FilteringInterceptor struct {
	Base
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor in phase
func NewFilteringInterceptor(phase string, filter MessageFilter, skipBehavior SkipBehavior, opts ...Option) *FilteringInterceptor {
	return &FilteringInterceptor{
		Base:         NewBase("FilteringInterceptor", phase, opts...),
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// Handle implements Interceptor
func (i *FilteringInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return Fault(fmt.Errorf("filter error: %w", err))
	}
	if shouldProcess {
		return Continue()
	}

	switch i.skipBehavior {
	case SkipWithError:
		return Fault(contracts.NewFault(contracts.FaultCodeClient, fmt.Sprintf("message filtered: id=%s", msg.ID())))
	case SkipWithLog:
		i.logger.Info("message filtered", "messageId", msg.ID(), "operation", msg.GetString(contracts.KeyOperation))
	}
	if c := ChainOf(msg); c != nil {
		c.Abort()
	}
	return Continue()
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// OperationFilter lets through messages addressed to the listed operations
type OperationFilter struct {
	allowed map[string]bool
}

// NewOperationFilter creates a filter that only allows specific operations
func NewOperationFilter(operations ...string) *OperationFilter {
	m := make(map[string]bool)
	for _, op := range operations {
		m[op] = true
	}
	return &OperationFilter{allowed: m}
}

// ShouldProcess implements MessageFilter
func (f *OperationFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f.allowed[operationOf(msg)], nil
}

// PropertyFilter matches a message or exchange property against a value
type PropertyFilter struct {
	key      string
	expected interface{}
}

// NewPropertyFilter creates a filter that checks a contextual property
func NewPropertyFilter(key string, expected interface{}) *PropertyFilter {
	return &PropertyFilter{key: key, expected: expected}
}

// ShouldProcess implements MessageFilter
func (f *PropertyFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	v, ok := msg.Contextual(f.key)
	if !ok {
		return false, nil
	}
	return v == f.expected, nil
}

// ConditionalInterceptor runs the wrapped interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor. It takes
// the wrapped interceptor's phase and constraints.
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}

// Phase implements Interceptor
func (i *ConditionalInterceptor) Phase() string {
	return i.interceptor.Phase()
}

// Before implements Interceptor
func (i *ConditionalInterceptor) Before() []string {
	return i.interceptor.Before()
}

// After implements Interceptor
func (i *ConditionalInterceptor) After() []string {
	return i.interceptor.After()
}

// Handle implements Interceptor
func (i *ConditionalInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return Fault(err)
	}
	if shouldExecute {
		return i.interceptor.Handle(ctx, msg)
	}
	return Continue()
}
