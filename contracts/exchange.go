package contracts

import (
	"sync"

	"github.com/google/uuid"
)

// Exchange correlates an inbound message with its outbound and fault replies
// and carries the context objects interceptors need.
type Exchange struct {
	id string

	mu          sync.RWMutex
	props       map[string]interface{}
	in          *Message
	out         *Message
	inFault     *Message
	outFault    *Message
	oneWay      bool
	synchronous bool
}

// NewExchange creates an exchange with a generated ID
func NewExchange() *Exchange {
	return &Exchange{
		id:          uuid.New().String(),
		props:       make(map[string]interface{}),
		synchronous: true,
	}
}

// ID returns the exchange ID
func (e *Exchange) ID() string {
	return e.id
}

// Get returns a context value
func (e *Exchange) Get(key string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.props[key]
	return v, ok
}

// Put stores a context value
func (e *Exchange) Put(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.props[key] = value
}

// Remove deletes a context value
func (e *Exchange) Remove(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.props, key)
}

// InMessage returns the inbound message
func (e *Exchange) InMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.in
}

// SetInMessage attaches the inbound message
func (e *Exchange) SetInMessage(m *Message) {
	e.attach(&e.in, m)
}

// OutMessage returns the outbound message
func (e *Exchange) OutMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.out
}

// SetOutMessage attaches the outbound message
func (e *Exchange) SetOutMessage(m *Message) {
	e.attach(&e.out, m)
}

// InFaultMessage returns the inbound fault message (requestor side)
func (e *Exchange) InFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inFault
}

// SetInFaultMessage attaches the inbound fault message
func (e *Exchange) SetInFaultMessage(m *Message) {
	e.attach(&e.inFault, m)
}

// OutFaultMessage returns the outbound fault message
func (e *Exchange) OutFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outFault
}

// SetOutFaultMessage attaches the outbound fault message
func (e *Exchange) SetOutFaultMessage(m *Message) {
	e.attach(&e.outFault, m)
}

// IsOneWay reports whether no reply is expected
func (e *Exchange) IsOneWay() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oneWay
}

// SetOneWay marks the exchange as one-way
func (e *Exchange) SetOneWay(oneWay bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oneWay = oneWay
}

// IsSynchronous reports whether the reply goes back on the in-built channel
func (e *Exchange) IsSynchronous() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.synchronous
}

// SetSynchronous records whether the reply is synchronous
func (e *Exchange) SetSynchronous(sync bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synchronous = sync
}

func (e *Exchange) attach(slot **Message, m *Message) {
	e.mu.Lock()
	*slot = m
	e.mu.Unlock()

	if m != nil {
		m.SetExchange(e)
	}
}

// Value returns the exchange value stored under key as a T
func Value[T any](e *Exchange, key string) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	v, ok := e.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
