package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/contracts"
)

const keyMessageClosed = "mmate.transport.closed"

// Conduit sends outbound messages to one target. When an observer is set,
// correlated replies are delivered to it as inbound messages.
type Conduit interface {
	// Target is the reference the conduit sends to
	Target() *EndpointReference

	// Prepare installs the writable content handle on msg
	Prepare(ctx context.Context, msg *contracts.Message) error

	// Send puts the prepared message on the wire
	Send(ctx context.Context, msg *contracts.Message) error

	// CloseMessage releases the message's content handles. Calling it again
	// is a no-op.
	CloseMessage(msg *contracts.Message) error

	// SetObserver sets the observer for incoming replies
	SetObserver(obs contracts.MessageObserver)

	// Observer returns the reply observer
	Observer() contracts.MessageObserver

	// Close releases the conduit
	Close() error
}

// Buffer is the content handle installed by ConduitBase.Prepare
type Buffer struct {
	bytes.Buffer
	closed atomic.Bool
}

// Close marks the buffer closed; the written bytes stay readable
func (b *Buffer) Close() error {
	b.closed.Store(true)
	return nil
}

// Closed reports whether Close was called
func (b *Buffer) Closed() bool {
	return b.closed.Load()
}

// Payload returns the bytes written to a prepared message
func Payload(msg *contracts.Message) ([]byte, error) {
	buf, ok := msg.Output().(*Buffer)
	if !ok {
		return nil, ErrNotPrepared
	}
	return buf.Bytes(), nil
}

// ConduitBase implements everything but Send
type ConduitBase struct {
	target *EndpointReference

	mu       sync.RWMutex
	observer contracts.MessageObserver
	closed   atomic.Bool
}

// NewConduitBase creates the shared conduit state for target
func NewConduitBase(target *EndpointReference) *ConduitBase {
	return &ConduitBase{target: target}
}

// Target implements Conduit
func (c *ConduitBase) Target() *EndpointReference {
	return c.target
}

// Prepare implements Conduit
func (c *ConduitBase) Prepare(ctx context.Context, msg *contracts.Message) error {
	if c.closed.Load() {
		return ErrConduitClosed
	}
	msg.SetOutput(&Buffer{})
	return nil
}

// CloseMessage implements Conduit
func (c *ConduitBase) CloseMessage(msg *contracts.Message) error {
	return CloseMessage(msg)
}

// SetObserver implements Conduit
func (c *ConduitBase) SetObserver(obs contracts.MessageObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
}

// Observer implements Conduit
func (c *ConduitBase) Observer() contracts.MessageObserver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observer
}

// Close implements Conduit
func (c *ConduitBase) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called
func (c *ConduitBase) Closed() bool {
	return c.closed.Load()
}

// Deliver hands a reply to the observer. Replies arriving without an
// observer are drained.
func (c *ConduitBase) Deliver(ctx context.Context, msg *contracts.Message) {
	obs := c.Observer()
	if obs == nil {
		obs = NewDrainObserver(nil)
	}
	obs.OnMessage(ctx, msg)
}

// CloseMessage closes whichever content handles of msg are io.Closers. The
// second and later calls do nothing.
func CloseMessage(msg *contracts.Message) error {
	if msg.GetBool(keyMessageClosed) {
		return nil
	}
	msg.Put(keyMessageClosed, true)

	var first error
	if c, ok := msg.Output().(io.Closer); ok {
		first = c.Close()
	}
	if c, ok := msg.Input().(io.Closer); ok {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
