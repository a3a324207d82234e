// Package contracts defines the data model that flows through the runtime.
//
// A Message is a property bag with at most one content handle: an io.Reader
// on the way in, an io.Writer on the way out. An Exchange correlates the
// inbound message with its outbound and fault replies and carries the context
// objects (bus, service, endpoint, binding, destination) that interceptors
// look up while processing.
//
// The package also holds the two contracts every other layer shares: the
// Chain view of an executing interceptor chain and the MessageObserver
// callback transports use to hand messages over.
package contracts
