package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/endpoint"
	"github.com/glimte/mmate-rpc/transport"
)

// Server publishes endpoints on a destination obtained from the bus registry
type Server struct {
	destination transport.Destination
	observer    contracts.MessageObserver
	endpoints   []*endpoint.Endpoint
	multiplex   bool
	logger      *slog.Logger
}

// NewServer creates the destination for ep and wires its chain initiation
// observer
func NewServer(ctx context.Context, b *bus.Bus, ep *endpoint.Endpoint, opts ...Option) (*Server, error) {
	o := applyOptions(opts)
	dest, err := b.Registry().Destination(ctx, ep.Address())
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ep.Name(), err)
	}
	obs := NewChainInitiationObserver(b, ep, opts...)
	dest.SetObserver(obs)
	return &Server{
		destination: dest,
		observer:    obs,
		endpoints:   []*endpoint.Endpoint{ep},
		logger:      o.logger.With("address", ep.Address().Address),
	}, nil
}

// NewMultiplexServer serves several endpoints on one address. Requests are
// routed by the multiplex id of their target reference.
func NewMultiplexServer(ctx context.Context, b *bus.Bus, address string, eps []*endpoint.Endpoint, opts ...Option) (*Server, error) {
	o := applyOptions(opts)
	dest, err := b.Registry().Destination(ctx, transport.NewEndpointReference(address))
	if err != nil {
		return nil, fmt.Errorf("multiplex %s: %w", address, err)
	}
	obs := NewMultipleEndpointObserver(b, opts...)
	for _, ep := range eps {
		obs.AddEndpoint(ep)
	}
	dest.SetObserver(obs)
	return &Server{
		destination: dest,
		observer:    obs,
		endpoints:   eps,
		multiplex:   true,
		logger:      o.logger.With("address", address),
	}, nil
}

// Destination returns the destination requests arrive on
func (s *Server) Destination() transport.Destination {
	return s.destination
}

// Observer returns the observer the destination delivers to
func (s *Server) Observer() contracts.MessageObserver {
	return s.observer
}

// Endpoints returns the endpoints served
func (s *Server) Endpoints() []*endpoint.Endpoint {
	return s.endpoints
}

// AddressOf returns the reference clients use to reach ep. On a
// multiplexed destination it carries the endpoint id.
func (s *Server) AddressOf(ep *endpoint.Endpoint) *transport.EndpointReference {
	if md, ok := s.destination.(transport.MultiplexDestination); ok && s.multiplex {
		return md.AddressWithID(ep.ID())
	}
	return s.destination.Address().Clone()
}

// Start begins receiving
func (s *Server) Start(ctx context.Context) error {
	if err := s.destination.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("server started", "endpoints", len(s.endpoints))
	return nil
}

// Stop shuts the destination down
func (s *Server) Stop(ctx context.Context) error {
	err := s.destination.Shutdown(ctx)
	s.logger.Info("server stopped", "error", err)
	return err
}
