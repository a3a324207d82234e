// Package reliability provides retry policies and circuit breakers used when
// the runtime reaches out to a remote address, for example when resolving and
// sending over a decoupled back-channel.
//
//	policy, _ := reliability.NewPolicy(reliability.PolicyConfig{Kind: "exponential", MaxAttempts: 3})
//	err := reliability.Retry(ctx, policy, func() error {
//	    return breakers.Execute(ctx, target, send)
//	})
package reliability
