package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/endpoint"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
)

// ErrNoEndpointSelected is the client fault raised when no candidate endpoint
// matches a request
var ErrNoEndpointSelected = errors.New("dispatch: no endpoint matches the request")

// MultipleEndpointObserver serves several endpoints on one destination. The
// chain starts with the bus-level and routing interceptors only; the
// selection interceptor narrows the candidates to one endpoint and adds its
// interceptors to the running chain.
type MultipleEndpointObserver struct {
	bus      *bus.Bus
	provider *interceptors.Provider
	faults   *endpoint.OutFaultObserver
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints []*endpoint.Endpoint
}

// NewMultipleEndpointObserver creates an observer with the endpoint
// selection interceptor installed
func NewMultipleEndpointObserver(b *bus.Bus, opts ...Option) *MultipleEndpointObserver {
	o := applyOptions(opts)
	m := &MultipleEndpointObserver{
		bus:      b,
		provider: interceptors.NewProvider(),
		faults:   endpoint.NewOutFaultObserver(o.logger),
		logger:   o.logger,
	}
	m.provider.In().Add(NewEndpointSelectionInterceptor())
	return m
}

// Interceptors returns the routing interceptor lists
func (m *MultipleEndpointObserver) Interceptors() *interceptors.Provider {
	return m.provider
}

// AddEndpoint adds a candidate endpoint
func (m *MultipleEndpointObserver) AddEndpoint(ep *endpoint.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = append(m.endpoints, ep)
}

// RemoveEndpoint removes the candidate with the given name
func (m *MultipleEndpointObserver) RemoveEndpoint(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ep := range m.endpoints {
		if ep.Name() == name {
			m.endpoints = append(m.endpoints[:i:i], m.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

// Endpoints returns a snapshot of the candidates
func (m *MultipleEndpointObserver) Endpoints() []*endpoint.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*endpoint.Endpoint(nil), m.endpoints...)
}

// OnMessage implements contracts.MessageObserver
func (m *MultipleEndpointObserver) OnMessage(ctx context.Context, msg *contracts.Message) {
	if resumePaused(ctx, msg, m.logger) {
		return
	}

	ex := prepareExchange(m.bus, msg)
	ex.Put(contracts.KeyCandidateEndpoints, m.Endpoints())

	faultChain, err := m.bus.InChain([]*interceptors.List{m.bus.Interceptors().InFault(), m.provider.InFault()})
	if err != nil {
		m.logger.Error("cannot build inbound fault chain", "messageId", msg.ID(), "error", err)
		return
	}
	chain, err := m.bus.InChain([]*interceptors.List{m.bus.Interceptors().In(), m.provider.In()},
		interceptors.WithFaultChain(faultChain),
		interceptors.WithFaultObserver(m.faults),
	)
	if err != nil {
		m.logger.Error("cannot build inbound chain", "messageId", msg.ID(), "error", err)
		return
	}
	run(ctx, chain, msg, m.logger)
}

// EndpointSelectionInterceptor picks the endpoint a multiplexed request is
// addressed to, by multiplex id first and by address second
type EndpointSelectionInterceptor struct {
	interceptors.Base
}

// NewEndpointSelectionInterceptor creates the pre-stream routing interceptor
func NewEndpointSelectionInterceptor() *EndpointSelectionInterceptor {
	return &EndpointSelectionInterceptor{
		Base: interceptors.NewBase("EndpointSelectionInterceptor", interceptors.PhasePreStream),
	}
}

// Handle implements interceptors.Interceptor
func (i *EndpointSelectionInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	ex := msg.Exchange()
	candidates, _ := contracts.Value[[]*endpoint.Endpoint](ex, contracts.KeyCandidateEndpoints)

	ep := selectEndpoint(msg, candidates)
	if ep == nil {
		return interceptors.Fault(&contracts.Fault{
			Code:    contracts.FaultCodeClient,
			Message: ErrNoEndpointSelected.Error(),
			Err:     ErrNoEndpointSelected,
		})
	}
	ex.Remove(contracts.KeyCandidateEndpoints)
	bindEndpoint(ex, msg, ep)

	chain := interceptors.ChainOf(msg)
	if chain == nil {
		return interceptors.Fault(endpoint.ErrNoChain)
	}
	if err := addAll(chain, ep.EndpointLists((*interceptors.Provider).In)); err != nil {
		return interceptors.Fault(fmt.Errorf("endpoint %s: %w", ep.Name(), err))
	}
	if fc := chain.FaultChain(); fc != nil {
		if err := addAll(fc, ep.EndpointLists((*interceptors.Provider).InFault)); err != nil {
			return interceptors.Fault(fmt.Errorf("endpoint %s: %w", ep.Name(), err))
		}
	}
	return interceptors.Continue()
}

func selectEndpoint(msg *contracts.Message, candidates []*endpoint.Endpoint) *endpoint.Endpoint {
	if id, ok := transport.MultiplexID(msg); ok {
		for _, ep := range candidates {
			if ep.ID() == id {
				return ep
			}
		}
		return nil
	}
	if ap, ok := transport.AddressingFrom(msg); ok && ap.To != nil && ap.To.Address != "" {
		for _, ep := range candidates {
			if ep.Address().Address == ap.To.Address {
				return ep
			}
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return nil
}

func addAll(chain *interceptors.Chain, lists []*interceptors.List) error {
	for _, l := range lists {
		items, _ := l.Snapshot()
		for _, ic := range items {
			if err := chain.Add(ic); err != nil {
				return err
			}
		}
	}
	return nil
}
