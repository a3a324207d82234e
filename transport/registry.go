package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConduitInitiator creates conduits for the addresses of one transport
type ConduitInitiator interface {
	Conduit(ctx context.Context, target *EndpointReference) (Conduit, error)
}

// DestinationFactory creates destinations for the addresses of one transport
type DestinationFactory interface {
	Destination(ctx context.Context, ref *EndpointReference) (Destination, error)
}

// ConduitInitiatorFunc is a function adapter for ConduitInitiator
type ConduitInitiatorFunc func(ctx context.Context, target *EndpointReference) (Conduit, error)

// Conduit implements ConduitInitiator
func (f ConduitInitiatorFunc) Conduit(ctx context.Context, target *EndpointReference) (Conduit, error) {
	return f(ctx, target)
}

// Registry maps transport namespaces and URI schemes to factories
type Registry struct {
	mu         sync.RWMutex
	initiators map[string]ConduitInitiator
	factories  map[string]DestinationFactory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		initiators: make(map[string]ConduitInitiator),
		factories:  make(map[string]DestinationFactory),
	}
}

// RegisterConduitInitiator registers ci under namespaces, which are either
// transport namespaces ("urn:mmate:transport:nats") or URI schemes ("nats")
func (r *Registry) RegisterConduitInitiator(ci ConduitInitiator, namespaces ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ns := range namespaces {
		r.initiators[normalize(ns)] = ci
	}
}

// RegisterDestinationFactory registers df under namespaces
func (r *Registry) RegisterDestinationFactory(df DestinationFactory, namespaces ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ns := range namespaces {
		r.factories[normalize(ns)] = df
	}
}

// LookupConduitInitiator resolves a namespace or address. An exact
// namespace match wins over the address's URI scheme.
func (r *Registry) LookupConduitInitiator(nsOrURI string) (ConduitInitiator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ci, ok := r.initiators[normalize(nsOrURI)]; ok {
		return ci, nil
	}
	if ci, ok := r.initiators[Scheme(nsOrURI)]; ok {
		return ci, nil
	}
	return nil, &ResolutionError{Target: nsOrURI, Kind: "conduit", Err: ErrNoTransport}
}

// LookupDestinationFactory resolves a namespace or address
func (r *Registry) LookupDestinationFactory(nsOrURI string) (DestinationFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if df, ok := r.factories[normalize(nsOrURI)]; ok {
		return df, nil
	}
	if df, ok := r.factories[Scheme(nsOrURI)]; ok {
		return df, nil
	}
	return nil, &ResolutionError{Target: nsOrURI, Kind: "destination", Err: ErrNoTransport}
}

// Conduit creates a conduit to target
func (r *Registry) Conduit(ctx context.Context, target *EndpointReference) (Conduit, error) {
	if target == nil || target.Address == "" {
		return nil, &ResolutionError{Kind: "conduit", Err: fmt.Errorf("%w: empty target", ErrInvalidAddress)}
	}
	ci, err := r.LookupConduitInitiator(target.Address)
	if err != nil {
		return nil, err
	}
	c, err := ci.Conduit(ctx, target)
	if err != nil {
		return nil, &ResolutionError{Target: target.Address, Kind: "conduit", Err: err}
	}
	return c, nil
}

// Destination creates a destination listening on ref
func (r *Registry) Destination(ctx context.Context, ref *EndpointReference) (Destination, error) {
	if ref == nil || ref.Address == "" {
		return nil, &ResolutionError{Kind: "destination", Err: fmt.Errorf("%w: empty address", ErrInvalidAddress)}
	}
	df, err := r.LookupDestinationFactory(ref.Address)
	if err != nil {
		return nil, err
	}
	d, err := df.Destination(ctx, ref)
	if err != nil {
		return nil, &ResolutionError{Target: ref.Address, Kind: "destination", Err: err}
	}
	return d, nil
}

// Namespaces returns the registered conduit namespaces, sorted
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.initiators))
	for ns := range r.initiators {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

func normalize(ns string) string {
	return strings.ToLower(strings.TrimSpace(ns))
}
