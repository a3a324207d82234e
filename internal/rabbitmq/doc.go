// Package rabbitmq is the broker client underneath the AMQP transport.
//
// It includes:
//   - ConnectionManager: owns the connection and re-dials it with backoff
//   - ChannelPool: shares channels of that connection
//   - Publisher: publishes with broker confirms
//   - Consumer: runs one subscription per queue with ack-on-success
//   - TopologyManager: declares exchanges, queues and bindings
//
// Connection state changes are reported to ConnectionStateListener
// implementations so that subscriptions can be restored after a reconnect.
package rabbitmq
