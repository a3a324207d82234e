// Package nats carries requests over NATS subjects.
//
// Destinations subscribe to their subject in a queue group, so several
// processes serving one address share its load. In-built replies are
// published to an inbox subject owned by the requesting transport and
// routed to the sending conduit by correlation id. NATS delivers at most
// once: a request sent while nobody listens is lost and surfaces as a
// client timeout.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
)

const (
	// Scheme is the URI scheme of NATS addresses, e.g. "nats:orders.create"
	Scheme = "nats"

	// Namespace is the transport namespace
	Namespace = "urn:mmate:transport:nats"

	keyReplySubject = "mmate.nats.replySubject"
)

var (
	ErrNoSubject    = errors.New("nats: address names no subject")
	ErrSubjectInUse = errors.New("nats: subject already served by another destination")
)

// Config holds the transport configuration
type Config struct {
	Name          string
	QueueGroup    string
	ReconnectWait time.Duration
	MaxReconnects int
	PendingTTL    time.Duration
	Logger        *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithName sets the client connection name
func WithName(name string) Option {
	return func(cfg *Config) {
		cfg.Name = name
	}
}

// WithQueueGroup sets the queue group destinations subscribe in
func WithQueueGroup(group string) Option {
	return func(cfg *Config) {
		cfg.QueueGroup = group
	}
}

// WithReconnectWait sets the delay between reconnect attempts
func WithReconnectWait(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ReconnectWait = d
	}
}

// WithMaxReconnects sets the reconnect attempts; negative retries forever
func WithMaxReconnects(n int) Option {
	return func(cfg *Config) {
		cfg.MaxReconnects = n
	}
}

// WithPendingTTL sets how long correlations of sent requests are kept
func WithPendingTTL(ttl time.Duration) Option {
	return func(cfg *Config) {
		if ttl > 0 {
			cfg.PendingTTL = ttl
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// Transport carries requests over one NATS connection
type Transport struct {
	cfg    Config
	nc     *nats.Conn
	logger *slog.Logger

	mu           sync.RWMutex
	registry     *transport.Registry
	destinations map[string]*Destination

	replyMu  sync.Mutex
	inbox    string
	replySub *nats.Subscription
	pending  map[string]pendingReply
}

type pendingReply struct {
	conduit *Conduit
	sentAt  time.Time
}

// New connects to the NATS server at url
func New(ctx context.Context, url string, opts ...Option) (*Transport, error) {
	cfg := Config{
		Name:          "mmate-rpc",
		QueueGroup:    "mmate",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		PendingTTL:    5 * time.Minute,
		Logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger.With("transport", Scheme)

	natsOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		natsOpts = append(natsOpts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrlRedacted())

	return &Transport{
		cfg:          cfg,
		nc:           nc,
		logger:       logger,
		destinations: make(map[string]*Destination),
		pending:      make(map[string]pendingReply),
	}, nil
}

// Register installs the transport in reg for the nats scheme and namespace
func (t *Transport) Register(reg *transport.Registry) {
	t.mu.Lock()
	t.registry = reg
	t.mu.Unlock()
	reg.RegisterConduitInitiator(t, Scheme, Namespace)
	reg.RegisterDestinationFactory(t, Scheme, Namespace)
}

// IsConnected reports whether the connection is up
func (t *Transport) IsConnected() bool {
	return t.nc.IsConnected()
}

// Conduit implements transport.ConduitInitiator
func (t *Transport) Conduit(ctx context.Context, target *transport.EndpointReference) (transport.Conduit, error) {
	subject, err := Subject(target)
	if err != nil {
		return nil, &transport.ResolutionError{Target: target.String(), Kind: "conduit", Err: err}
	}
	return &Conduit{ConduitBase: transport.NewConduitBase(target), t: t, subject: subject}, nil
}

// Destination implements transport.DestinationFactory
func (t *Transport) Destination(ctx context.Context, ref *transport.EndpointReference) (transport.Destination, error) {
	subject, err := Subject(ref)
	if err != nil {
		return nil, &transport.ResolutionError{Target: ref.String(), Kind: "destination", Err: err}
	}
	t.mu.RLock()
	reg := t.registry
	t.mu.RUnlock()

	d := &Destination{
		Multiplexer: transport.NewMultiplexer(ref),
		t:           t,
		subject:     subject,
	}
	d.DestinationBase = transport.NewDestinationBase(ref, d,
		transport.WithRegistry(reg),
		transport.WithDestinationLogger(t.logger),
	)
	return d, nil
}

// Close shuts down every destination and drains the connection
func (t *Transport) Close(ctx context.Context) error {
	t.mu.RLock()
	dests := make([]*Destination, 0, len(t.destinations))
	for _, d := range t.destinations {
		dests = append(dests, d)
	}
	t.mu.RUnlock()

	var errs []error
	for _, d := range dests {
		if err := d.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		errs = append(errs, err)
		t.nc.Close()
	}
	return errors.Join(errs...)
}

// Subject returns the subject a nats reference addresses
func Subject(ref *transport.EndpointReference) (string, error) {
	if ref.Scheme() != Scheme {
		return "", transport.ErrInvalidAddress
	}
	_, subject, _ := strings.Cut(ref.Address, ":")
	subject = strings.TrimPrefix(subject, "//")
	if subject == "" {
		return "", ErrNoSubject
	}
	if strings.ContainsAny(subject, " \t\r\n") {
		return "", fmt.Errorf("%w: subject %q", transport.ErrInvalidAddress, subject)
	}
	return subject, nil
}

// ensureInbox subscribes the shared reply inbox on first use
func (t *Transport) ensureInbox() (string, error) {
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	if t.replySub != nil {
		return t.inbox, nil
	}
	inbox := t.nc.NewRespInbox()
	sub, err := t.nc.Subscribe(inbox, t.handleReply)
	if err != nil {
		return "", err
	}
	t.inbox = inbox
	t.replySub = sub
	return inbox, nil
}

func (t *Transport) handleReply(m *nats.Msg) {
	in := fromMsg(m)
	correlationID := in.CorrelationID()

	t.replyMu.Lock()
	p, ok := t.pending[correlationID]
	if ok && !transport.IsPartialResponse(in) {
		delete(t.pending, correlationID)
	}
	t.replyMu.Unlock()

	if !ok {
		t.logger.Warn("dropping uncorrelated reply", "correlationId", correlationID)
		return
	}
	p.conduit.Deliver(context.Background(), in)
}

func (t *Transport) expect(correlationID string, c *Conduit) {
	now := time.Now()
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	for id, p := range t.pending {
		if now.Sub(p.sentAt) > t.cfg.PendingTTL {
			delete(t.pending, id)
		}
	}
	t.pending[correlationID] = pendingReply{conduit: c, sentAt: now}
}

func (t *Transport) forget(correlationID string, c *Conduit) {
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	if p, ok := t.pending[correlationID]; ok && p.conduit == c {
		delete(t.pending, correlationID)
	}
}

func (t *Transport) forgetConduit(c *Conduit) {
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	for id, p := range t.pending {
		if p.conduit == c {
			delete(t.pending, id)
		}
	}
}

// toMsg builds the NATS message for msg's protocol headers and body
func toMsg(subject string, msg *contracts.Message, body []byte) *nats.Msg {
	h := msg.CopyHeaders()
	header := make(nats.Header, len(h)+1)
	for k, v := range h {
		header[k] = []string{v}
	}
	if h[transport.HeaderCorrelationID] == "" && msg.CorrelationID() != "" {
		header[transport.HeaderCorrelationID] = []string{msg.CorrelationID()}
	}
	if h[transport.HeaderMessageID] == "" {
		header[transport.HeaderMessageID] = []string{msg.ID()}
	}
	return &nats.Msg{
		Subject: subject,
		Header:  header,
		Data:    append([]byte(nil), body...),
	}
}

// fromMsg converts a received NATS message into an inbound message
func fromMsg(m *nats.Msg) *contracts.Message {
	headers := make(map[string]string, len(m.Header))
	for k, vs := range m.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	in := transport.NewInboundMessage(m.Data, headers)
	if m.Reply != "" {
		in.Put(keyReplySubject, m.Reply)
	}
	return in
}

func expectsReply(msg *contracts.Message) bool {
	return msg.IsRequestor() && msg.Header(transport.HeaderReplyTo) != transport.NoneAddress
}
