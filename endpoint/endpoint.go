package endpoint

import (
	"log/slog"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
)

// Binding contributes the protocol-level interceptors: addressing headers
// and payload or fault encoding
type Binding struct {
	name     string
	provider *interceptors.Provider
}

// NewBinding creates a binding with the default encoding interceptors
func NewBinding(name string) *Binding {
	b := &Binding{name: name, provider: interceptors.NewProvider()}
	b.provider.Out().Add(NewAddressingOutInterceptor(), NewPayloadWriterInterceptor())
	b.provider.OutFault().Add(NewAddressingOutInterceptor(), NewFaultWriterInterceptor())
	return b
}

// Name returns the binding name
func (b *Binding) Name() string {
	return b.name
}

// Interceptors returns the binding-level interceptor lists
func (b *Binding) Interceptors() *interceptors.Provider {
	return b.provider
}

// Option configures an Endpoint
type Option func(*Endpoint)

// WithBinding replaces the default binding
func WithBinding(b *Binding) Option {
	return func(e *Endpoint) {
		e.binding = b
	}
}

// WithID sets the id a multiplexed destination routes on. It defaults to the
// endpoint name.
func WithID(id string) Option {
	return func(e *Endpoint) {
		e.id = id
	}
}

// WithDecoupledReplyTo sends every reply of this endpoint to address
// instead of the requestor's reply-to
func WithDecoupledReplyTo(address string) Option {
	return func(e *Endpoint) {
		if address != "" {
			e.decoupledReplyTo = transport.NewEndpointReference(address)
		}
	}
}

// WithOutgoing replaces the reply interceptor, e.g. to change its retry
// policy
func WithOutgoing(oc *OutgoingChainInterceptor) Option {
	return func(e *Endpoint) {
		e.outgoing = oc
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Endpoint is a service published at an address through a binding
type Endpoint struct {
	name             string
	id               string
	address          *transport.EndpointReference
	service          *Service
	binding          *Binding
	provider         *interceptors.Provider
	decoupledReplyTo *transport.EndpointReference
	outgoing         *OutgoingChainInterceptor
	faultObserver    *OutFaultObserver
	logger           *slog.Logger
}

// New creates an endpoint for svc at address
func New(name, address string, svc *Service, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:     name,
		id:       name,
		address:  transport.NewEndpointReference(address),
		service:  svc,
		provider: interceptors.NewProvider(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.binding == nil {
		e.binding = NewBinding(name)
	}
	if e.outgoing == nil {
		e.outgoing = NewOutgoingChainInterceptor(WithOutgoingLogger(e.logger))
	}
	e.logger = e.logger.With("endpoint", name)
	e.faultObserver = NewOutFaultObserver(e.logger)

	e.provider.In().Add(NewServiceInvokerInterceptor(e.logger), e.outgoing)
	e.provider.Out().Add(NewMessageSenderInterceptor())
	e.provider.OutFault().Add(NewMessageSenderInterceptor())
	return e
}

// Name returns the endpoint name
func (e *Endpoint) Name() string {
	return e.name
}

// ID returns the multiplex id
func (e *Endpoint) ID() string {
	return e.id
}

// Address returns the address the endpoint listens on
func (e *Endpoint) Address() *transport.EndpointReference {
	return e.address
}

// Service returns the service
func (e *Endpoint) Service() *Service {
	return e.service
}

// Binding returns the binding
func (e *Endpoint) Binding() *Binding {
	return e.binding
}

// Interceptors returns the endpoint-level interceptor lists
func (e *Endpoint) Interceptors() *interceptors.Provider {
	return e.provider
}

// DecoupledReplyTo returns the configured reply address, or nil
func (e *Endpoint) DecoupledReplyTo() *transport.EndpointReference {
	return e.decoupledReplyTo
}

// FaultObserver returns the observer that turns inbound faults into fault
// replies
func (e *Endpoint) FaultObserver() contracts.MessageObserver {
	return e.faultObserver
}

// Logger returns the endpoint logger
func (e *Endpoint) Logger() *slog.Logger {
	return e.logger
}

// Attach records the endpoint, its service and binding on ex
func (e *Endpoint) Attach(ex *contracts.Exchange) {
	ex.Put(contracts.KeyEndpoint, e)
	ex.Put(contracts.KeyService, e.service)
	ex.Put(contracts.KeyBinding, e.binding)
}

// InLists returns the bus, service, endpoint and binding inbound lists
func (e *Endpoint) InLists(b *bus.Bus) []*interceptors.List {
	return e.lists(b, (*interceptors.Provider).In)
}

// OutLists returns the outbound lists in contribution order
func (e *Endpoint) OutLists(b *bus.Bus) []*interceptors.List {
	return e.lists(b, (*interceptors.Provider).Out)
}

// InFaultLists returns the inbound fault lists in contribution order
func (e *Endpoint) InFaultLists(b *bus.Bus) []*interceptors.List {
	return e.lists(b, (*interceptors.Provider).InFault)
}

// OutFaultLists returns the outbound fault lists in contribution order
func (e *Endpoint) OutFaultLists(b *bus.Bus) []*interceptors.List {
	return e.lists(b, (*interceptors.Provider).OutFault)
}

// EndpointLists returns only the service, endpoint and binding lists, for
// adding to a chain that already carries the bus-level interceptors
func (e *Endpoint) EndpointLists(pick func(*interceptors.Provider) *interceptors.List) []*interceptors.List {
	return []*interceptors.List{
		pick(e.service.Interceptors()),
		pick(e.provider),
		pick(e.binding.Interceptors()),
	}
}

func (e *Endpoint) lists(b *bus.Bus, pick func(*interceptors.Provider) *interceptors.List) []*interceptors.List {
	return append([]*interceptors.List{pick(b.Interceptors())}, e.EndpointLists(pick)...)
}

// FromExchange returns the endpoint attached to ex
func FromExchange(ex *contracts.Exchange) (*Endpoint, bool) {
	return contracts.Value[*Endpoint](ex, contracts.KeyEndpoint)
}

// ServiceFrom returns the service attached to ex
func ServiceFrom(ex *contracts.Exchange) (*Service, bool) {
	return contracts.Value[*Service](ex, contracts.KeyService)
}

// BindingFrom returns the binding attached to ex
func BindingFrom(ex *contracts.Exchange) (*Binding, bool) {
	return contracts.Value[*Binding](ex, contracts.KeyBinding)
}
