// Package transport defines the Destination and Conduit abstractions the
// runtime sends and receives through.
//
// A Destination listens on a stable EndpointReference and hands incoming
// messages to its observer. When the reply is ready the runtime asks the
// destination for a back-channel: the in-built channel answers over the
// connection the request arrived on, a decoupled back-channel is a new
// Conduit to the ReplyTo address, resolved through the Registry by URI
// scheme or transport namespace.
//
// DestinationBase and ConduitBase carry the transport-independent behaviour;
// concrete transports live under transports/.
package transport
