// Package config loads the runtime configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/glimte/mmate-rpc/internal/logging"
	"github.com/glimte/mmate-rpc/internal/reliability"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the file layout
type Config struct {
	Log        logging.Config           `toml:"log"`
	Bus        BusConfig                `toml:"bus"`
	Transports TransportsConfig         `toml:"transports"`
	Endpoints  []EndpointConfig         `toml:"endpoint"`
	Client     ClientConfig             `toml:"client"`
	Retry      reliability.PolicyConfig `toml:"retry"`
	Metrics    MetricsConfig            `toml:"metrics"`
}

// BusConfig overrides the bus id and phase orders. Empty phase lists keep
// the defaults. LogMessages logs every inbound message and its faults.
// DuplicateDetection drops requests whose correlation id was already
// processed within DuplicateRetention.
type BusConfig struct {
	ID                 string        `toml:"id"`
	InPhases           []string      `toml:"in_phases"`
	OutPhases          []string      `toml:"out_phases"`
	LogMessages        bool          `toml:"log_messages"`
	DuplicateDetection bool          `toml:"duplicate_detection"`
	DuplicateRetention time.Duration `toml:"duplicate_retention"`
}

// TransportsConfig enables the network transports. The local transport is
// always available.
type TransportsConfig struct {
	AMQP AMQPConfig `toml:"amqp"`
	NATS NATSConfig `toml:"nats"`
}

// AMQPConfig configures the amqp: transport
type AMQPConfig struct {
	URL            string        `toml:"url"`
	DurableQueues  bool          `toml:"durable_queues"`
	FIFO           bool          `toml:"fifo"`
	Prefetch       int           `toml:"prefetch"`
	ReconnectDelay time.Duration `toml:"reconnect_delay"`
	ConfirmTimeout time.Duration `toml:"confirm_timeout"`
}

// Enabled reports whether a broker URL is configured
func (c AMQPConfig) Enabled() bool {
	return c.URL != ""
}

// NATSConfig configures the nats: transport
type NATSConfig struct {
	URL           string        `toml:"url"`
	Name          string        `toml:"name"`
	QueueGroup    string        `toml:"queue_group"`
	ReconnectWait time.Duration `toml:"reconnect_wait"`
}

// Enabled reports whether a server URL is configured
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// EndpointConfig publishes one service. Endpoints sharing an address are
// served by one multiplexed destination and need distinct ids.
type EndpointConfig struct {
	Name             string `toml:"name"`
	Service          string `toml:"service"`
	Address          string `toml:"address"`
	ID               string `toml:"id"`
	DecoupledReplyTo string `toml:"decoupled_reply_to"`

	// Operations restricts the endpoint to the listed operations; others
	// fault with a client fault. Empty allows all.
	Operations []string `toml:"operations"`
}

// ServiceName returns the service the endpoint publishes; it defaults to
// the endpoint name
func (e EndpointConfig) ServiceName() string {
	if e.Service != "" {
		return e.Service
	}
	return e.Name
}

// EndpointID returns the multiplex id; it defaults to the endpoint name
func (e EndpointConfig) EndpointID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

// ClientConfig holds defaults for the call command and Runtime.NewClient
type ClientConfig struct {
	Target            string        `toml:"target"`
	Timeout           time.Duration `toml:"timeout"`
	DecoupledEndpoint string        `toml:"decoupled_endpoint"`
}

// MetricsConfig enables the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Path    string `toml:"path"`
}

// Default returns the configuration used for keys missing from a file
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "text"},
		Bus: BusConfig{DuplicateRetention: 10 * time.Minute},
		Transports: TransportsConfig{
			AMQP: AMQPConfig{
				DurableQueues:  true,
				Prefetch:       10,
				ReconnectDelay: 5 * time.Second,
				ConfirmTimeout: 5 * time.Second,
			},
			NATS: NATSConfig{
				Name:          "mmate-rpc",
				QueueGroup:    "mmate",
				ReconnectWait: 2 * time.Second,
			},
		},
		Client: ClientConfig{Timeout: 30 * time.Second},
		Retry: reliability.PolicyConfig{
			Kind:        "exponential",
			Initial:     100 * time.Millisecond,
			Max:         10 * time.Second,
			Multiplier:  2,
			MaxAttempts: 3,
		},
		Metrics: MetricsConfig{Listen: ":9090", Path: "/metrics"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document over the defaults
func Parse(data string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if _, err := reliability.NewPolicy(c.Retry); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}

	if c.Bus.DuplicateRetention < 0 {
		return fmt.Errorf("%w: negative duplicate retention", ErrInvalidConfig)
	}

	names := make(map[string]bool, len(c.Endpoints))
	ids := make(map[string]map[string]bool)
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("%w: endpoint %d has no name", ErrInvalidConfig, i)
		}
		if names[ep.Name] {
			return fmt.Errorf("%w: duplicate endpoint %q", ErrInvalidConfig, ep.Name)
		}
		names[ep.Name] = true
		if strings.TrimSpace(ep.Address) == "" {
			return fmt.Errorf("%w: endpoint %q has no address", ErrInvalidConfig, ep.Name)
		}

		if ids[ep.Address] == nil {
			ids[ep.Address] = make(map[string]bool)
		}
		if ids[ep.Address][ep.EndpointID()] {
			return fmt.Errorf("%w: endpoint id %q used twice on %s", ErrInvalidConfig, ep.EndpointID(), ep.Address)
		}
		ids[ep.Address][ep.EndpointID()] = true
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics enabled without listen address", ErrInvalidConfig)
	}
	return nil
}

// EndpointGroups returns the configured endpoints grouped by address in
// file order
func (c *Config) EndpointGroups() [][]EndpointConfig {
	var groups [][]EndpointConfig
	index := make(map[string]int)
	for _, ep := range c.Endpoints {
		i, ok := index[ep.Address]
		if !ok {
			i = len(groups)
			index[ep.Address] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ep)
	}
	return groups
}
