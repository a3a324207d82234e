package transport

import (
	"github.com/glimte/mmate-rpc/contracts"
)

// MultiplexIDParameter is the reference parameter that carries the logical
// endpoint id on a multiplexed address
const MultiplexIDParameter = "MultiplexId"

// MultiplexDestination serves many logical endpoints on one physical address
type MultiplexDestination interface {
	Destination

	// AddressWithID returns the destination address tagged with id
	AddressWithID(id string) *EndpointReference

	// ID returns the id the request was addressed to
	ID(props contracts.Properties) (string, bool)
}

// Multiplexer implements the id half of MultiplexDestination. Embed it next
// to a DestinationBase.
type Multiplexer struct {
	base *EndpointReference
}

// NewMultiplexer creates a multiplexer over base
func NewMultiplexer(base *EndpointReference) Multiplexer {
	return Multiplexer{base: base}
}

// AddressWithID implements MultiplexDestination
func (m Multiplexer) AddressWithID(id string) *EndpointReference {
	return AddressWithID(m.base, id)
}

// ID implements MultiplexDestination
func (m Multiplexer) ID(props contracts.Properties) (string, bool) {
	return MultiplexID(props)
}

// AddressWithID returns a copy of base carrying id as a reference parameter
func AddressWithID(base *EndpointReference, id string) *EndpointReference {
	ref := base.Clone()
	if ref == nil {
		ref = &EndpointReference{}
	}
	if ref.ReferenceParameters == nil {
		ref.ReferenceParameters = make(map[string]string, 1)
	}
	ref.ReferenceParameters[MultiplexIDParameter] = id
	return ref
}

// MultiplexID reads the id from the To reference of the addressing
// properties in props
func MultiplexID(props contracts.Properties) (string, bool) {
	if props == nil {
		return "", false
	}
	ap, ok := AddressingFrom(props)
	if !ok || ap.To == nil {
		return "", false
	}
	id, ok := ap.To.ReferenceParameters[MultiplexIDParameter]
	return id, ok
}
