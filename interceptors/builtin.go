package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

const (
	metricsStartKey = "mmate.metrics.start"
	loggingStartKey = "mmate.logging.start"
)

// LoggingInterceptor logs messages entering the chain and the faults that
// abort it
type LoggingInterceptor struct {
	Base
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{
		Base:   NewBase("LoggingInterceptor", PhaseReceive),
		logger: logger,
	}
}

// Handle implements Interceptor
func (i *LoggingInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	msg.Put(loggingStartKey, time.Now())
	i.logger.Info("processing message",
		"messageId", msg.ID(),
		"operation", operationOf(msg),
		"correlationId", msg.CorrelationID(),
	)
	return Continue()
}

// HandleFault implements FaultHandler
func (i *LoggingInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	var duration time.Duration
	if start, ok := msg.Get(loggingStartKey); ok {
		duration = time.Since(start.(time.Time))
	}
	i.logger.Error("message processing failed",
		"messageId", msg.ID(),
		"operation", operationOf(msg),
		"duration", duration,
		"error", msg.Fault(),
	)
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(operation string)
	RecordProcessingTime(operation string, duration time.Duration)
	IncrementErrorCount(operation string, errorType string)
}

// MetricsInterceptor counts messages entering the chain and records the
// processing time of those that fault. Pair it with MetricsEndingInterceptor.
type MetricsInterceptor struct {
	Base
	collector MetricsCollector
}

// NewMetricsInterceptor creates the receive-phase half of the metrics pair
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{
		Base:      NewBase("MetricsInterceptor", PhaseReceive),
		collector: collector,
	}
}

// Handle implements Interceptor
func (i *MetricsInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	msg.Put(metricsStartKey, time.Now())
	i.collector.IncrementMessageCount(operationOf(msg))
	return Continue()
}

// HandleFault implements FaultHandler
func (i *MetricsInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	op := operationOf(msg)
	i.collector.IncrementErrorCount(op, "processing_error")
	if start, ok := msg.Get(metricsStartKey); ok {
		i.collector.RecordProcessingTime(op, time.Since(start.(time.Time)))
	}
}

// MetricsEndingInterceptor records the processing time of messages that made
// it through the chain
type MetricsEndingInterceptor struct {
	Base
	collector MetricsCollector
}

// NewMetricsEndingInterceptor creates the post-invoke half of the metrics pair
func NewMetricsEndingInterceptor(collector MetricsCollector) *MetricsEndingInterceptor {
	return &MetricsEndingInterceptor{
		Base:      NewBase("MetricsEndingInterceptor", PhasePostInvoke, RunBefore("OutgoingChainInterceptor")),
		collector: collector,
	}
}

// Handle implements Interceptor
func (i *MetricsEndingInterceptor) Handle(ctx context.Context, msg *contracts.Message) Result {
	if start, ok := msg.Get(metricsStartKey); ok {
		i.collector.RecordProcessingTime(operationOf(msg), time.Since(start.(time.Time)))
	}
	return Continue()
}

// InstallMetrics adds the metrics pair to a provider's inbound list
func InstallMetrics(p *Provider, collector MetricsCollector) {
	p.In().Add(NewMetricsInterceptor(collector), NewMetricsEndingInterceptor(collector))
}

func operationOf(msg *contracts.Message) string {
	if op := msg.GetString(contracts.KeyOperation); op != "" {
		return op
	}
	if v, ok := msg.Contextual(contracts.KeyOperation); ok {
		if op, ok := v.(string); ok && op != "" {
			return op
		}
	}
	return "default"
}
