// Package interceptors provides the phase-ordered interceptor chain that every
// message passes through.
//
// A PhaseTable fixes the order of named phases. Interceptors bind to one
// phase and may declare before/after constraints on other interceptors of
// the same phase. Build merges the lists contributed by the runtime layers
// (bus, service, endpoint, binding) into one deterministic sequence:
//
//	tmpl, err := interceptors.Build(table, busList, serviceList, endpointList)
//	chain := tmpl.NewChain(interceptors.WithFaultChain(faultTmpl.NewChain()))
//	state, err := chain.Run(ctx, msg)
//
// A chain may pause; whoever holds the message later calls Resume, which
// continues with the interceptor after the one that paused. A fault unwinds
// the interceptors that ran (those implementing FaultHandler, in reverse),
// aborts the chain and runs the fault chain on a derived fault message.
//
// Cache memoizes Build keyed by the table and list identities, rebuilding
// when any list changed.
//
// Built-in interceptors:
//   - MetricsInterceptor / MetricsEndingInterceptor: message counts and timing
//   - TimeoutInterceptor: faults chains left paused past a deadline
//   - FilteringInterceptor: stops messages a MessageFilter rejects
//   - DuplicateDetectionInterceptor: drops redelivered messages
package interceptors
