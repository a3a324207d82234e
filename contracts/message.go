package contracts

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Properties is the read side of a property bag
type Properties interface {
	Get(key string) (interface{}, bool)
}

// Message is a mutable property bag plus at most one active content handle.
// Inbound messages carry an io.Reader, outbound messages an io.Writer; setting
// one clears the other.
type Message struct {
	id        string
	timestamp time.Time

	mu    sync.RWMutex
	props map[string]interface{}

	input  io.Reader
	output io.Writer
	fault  error

	exchange *Exchange
	chain    Chain
}

// NewMessage creates an empty message with a generated ID
func NewMessage() *Message {
	return &Message{
		id:        uuid.New().String(),
		timestamp: time.Now().UTC(),
		props:     make(map[string]interface{}),
	}
}

// NewInboundMessage creates a message whose content is read from r
func NewInboundMessage(r io.Reader) *Message {
	m := NewMessage()
	m.props[KeyInbound] = true
	m.input = r
	return m
}

// NewFaultMessage creates the fault message for origin and links it to the
// origin's exchange. Requestor-side inbound faults become the exchange's
// inbound fault; everything else becomes the outbound fault.
func NewFaultMessage(origin *Message, fault error) *Message {
	fm := NewMessage()
	fm.fault = fault
	if origin == nil {
		return fm
	}

	requestor := origin.IsRequestor()
	fm.props[KeyRequestor] = requestor
	if v, ok := origin.Get(KeyCorrelationID); ok {
		fm.props[KeyCorrelationID] = v
	}

	ex := origin.Exchange()
	if ex == nil {
		return fm
	}
	if requestor && origin.IsInbound() {
		fm.props[KeyInbound] = true
		ex.SetInFaultMessage(fm)
	} else {
		ex.SetOutFaultMessage(fm)
	}
	return fm
}

// ID returns the message ID
func (m *Message) ID() string {
	return m.id
}

// Timestamp returns when the message was created
func (m *Message) Timestamp() time.Time {
	return m.timestamp
}

// Get returns a property value
func (m *Message) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[key]
	return v, ok
}

// GetString returns a string property, or "" when absent or not a string
func (m *Message) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetBool returns a bool property, or false when absent or not a bool
func (m *Message) GetBool(key string) bool {
	v, ok := m.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Put stores a property value
func (m *Message) Put(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[key] = value
}

// Remove deletes a property
func (m *Message) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, key)
}

// Keys returns the property keys in no particular order
func (m *Message) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.props))
	for k := range m.props {
		keys = append(keys, k)
	}
	return keys
}

// Contextual looks a key up on the message, then on its exchange
func (m *Message) Contextual(key string) (interface{}, bool) {
	if v, ok := m.Get(key); ok {
		return v, true
	}
	if ex := m.Exchange(); ex != nil {
		return ex.Get(key)
	}
	return nil, false
}

// Input returns the readable content handle, if any
func (m *Message) Input() io.Reader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.input
}

// SetInput sets the readable content handle and drops any writable one
func (m *Message) SetInput(r io.Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input = r
	if r != nil {
		m.output = nil
	}
}

// Output returns the writable content handle, if any
func (m *Message) Output() io.Writer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.output
}

// SetOutput sets the writable content handle and drops any readable one
func (m *Message) SetOutput(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = w
	if w != nil {
		m.input = nil
	}
}

// Fault returns the fault carried by this message
func (m *Message) Fault() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fault
}

// SetFault records a fault on the message
func (m *Message) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

// Exchange returns the exchange this message belongs to
func (m *Message) Exchange() *Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchange
}

// SetExchange moves the message to ex
func (m *Message) SetExchange(ex *Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchange = ex
}

// Chain returns the interceptor chain currently processing the message
func (m *Message) Chain() Chain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// SetChain attaches the processing chain
func (m *Message) SetChain(c Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = c
}

// IsRequestor reports whether the message belongs to the client side
func (m *Message) IsRequestor() bool {
	return m.GetBool(KeyRequestor)
}

// IsInbound reports whether the message travels towards this runtime
func (m *Message) IsInbound() bool {
	return m.GetBool(KeyInbound)
}

// CorrelationID returns the correlation ID property
func (m *Message) CorrelationID() string {
	return m.GetString(KeyCorrelationID)
}

// SetCorrelationID sets the correlation ID property
func (m *Message) SetCorrelationID(correlationID string) {
	m.Put(KeyCorrelationID, correlationID)
}

// Headers returns the live protocol headers, creating them on first use.
// The map belongs to the goroutine processing the message; use Header,
// SetHeader and CopyHeaders from anywhere else.
func (m *Message) Headers() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headersLocked()
}

// Header returns one protocol header
func (m *Message) Header(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, _ := m.props[KeyProtocolHeaders].(map[string]string)
	return h[key]
}

// SetHeader sets one protocol header
func (m *Message) SetHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headersLocked()[key] = value
}

// CopyHeaders returns a copy of the protocol headers
func (m *Message) CopyHeaders() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, _ := m.props[KeyProtocolHeaders].(map[string]string)
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (m *Message) headersLocked() map[string]string {
	h, ok := m.props[KeyProtocolHeaders].(map[string]string)
	if !ok {
		h = make(map[string]string)
		m.props[KeyProtocolHeaders] = h
	}
	return h
}
