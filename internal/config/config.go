// Package config provides configuration management for silos and cluster clients.
package config

import (
	"fmt"
	"strings"
	"time"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/ports"
)

// Config holds all configuration for a silo or a cluster client.
type Config struct {
	Environment       string            `mapstructure:"environment"`
	Orleans           OrleansConfig     `mapstructure:"orleans"`
	ConnectionStrings map[string]string `mapstructure:"connectionstrings"`
	Client            ClientConfig      `mapstructure:"client"`
	Dashboard         DashboardConfig   `mapstructure:"dashboard"`
	Logging           LoggingConfig     `mapstructure:"logging"`
}

// OrleansConfig holds cluster identity, port ranges and provider selection.
type OrleansConfig struct {
	ClusterID string          `mapstructure:"clusterid"`
	ServiceID string          `mapstructure:"serviceid"`
	Ports     PortsConfig     `mapstructure:"ports"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// PortsConfig holds one optional range per network role.
type PortsConfig struct {
	Silo      ports.PortRange `mapstructure:"silo"`
	Gateway   ports.PortRange `mapstructure:"gateway"`
	Dashboard ports.PortRange `mapstructure:"dashboard"`
}

// ProvidersConfig holds the independently switched provider sections.
type ProvidersConfig struct {
	Clustering ClusteringConfig       `mapstructure:"clustering"`
	Reminders  BackendConfig          `mapstructure:"reminders"`
	Storage    StorageProvidersConfig `mapstructure:"storage"`
	Streams    StreamsConfig          `mapstructure:"streams"`
}

// ClusteringConfig selects the membership backend.
type ClusteringConfig struct {
	Provider string       `mapstructure:"provider"`
	AdoNet   AdoNetConfig `mapstructure:"adonet"`
	Redis    RedisConfig  `mapstructure:"redis"`
	Gossip   GossipConfig `mapstructure:"gossip"`
}

// BackendConfig selects an InMemory or shared backend for a concern.
type BackendConfig struct {
	Provider string       `mapstructure:"provider"`
	AdoNet   AdoNetConfig `mapstructure:"adonet"`
	Redis    RedisConfig  `mapstructure:"redis"`
}

// StorageProvidersConfig holds the default and pub/sub state stores.
type StorageProvidersConfig struct {
	Default BackendConfig `mapstructure:"default"`
	PubSub  BackendConfig `mapstructure:"pubsub"`
}

// StreamsConfig selects the event stream transport.
type StreamsConfig struct {
	Provider string `mapstructure:"provider"`
}

// AdoNetConfig describes a SQL backend.
type AdoNetConfig struct {
	ConnectionStringName string `mapstructure:"connectionstringname"`
	Invariant            string `mapstructure:"invariant"`
	UseJSONFormat        bool   `mapstructure:"usejsonformat"`
	TypeNameHandling     string `mapstructure:"typenamehandling"`
}

// RedisConfig describes a Redis backend.
type RedisConfig struct {
	ConnectionStringName string `mapstructure:"connectionstringname"`
	KeyPrefix            string `mapstructure:"keyprefix"`
}

// GossipConfig describes the memberlist backend; it binds to the silo port.
type GossipConfig struct {
	Seeds          []string      `mapstructure:"seeds"`
	GossipInterval time.Duration `mapstructure:"gossipinterval"`
	ProbeInterval  time.Duration `mapstructure:"probeinterval"`
	ProbeTimeout   time.Duration `mapstructure:"probetimeout"`
}

// ClientConfig holds cluster client settings.
type ClientConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connecttimeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig is the process-level reconnect policy of the console client.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"maxattempts"`
	InitialBackoff time.Duration `mapstructure:"initialbackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxbackoff"`
}

// DashboardConfig holds dashboard HTTP settings.
type DashboardConfig struct {
	RequestsPerSecond float64 `mapstructure:"requestspersecond"`
	BurstSize         int     `mapstructure:"burstsize"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ConnectionString returns the named connection string.
func (c *Config) ConnectionString(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	v, ok := c.ConnectionStrings[strings.ToLower(name)]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Validate checks if the configuration is valid. Provider sections are only
// checked when the section is switched on.
func (c *Config) Validate() error {
	roles := []struct {
		name string
		r    ports.PortRange
	}{
		{"Orleans:Ports:Silo", c.Orleans.Ports.Silo},
		{"Orleans:Ports:Gateway", c.Orleans.Ports.Gateway},
		{"Orleans:Ports:Dashboard", c.Orleans.Ports.Dashboard},
	}
	for _, role := range roles {
		if role.r.IsZero() {
			continue
		}
		if err := role.r.Validate(); err != nil {
			return sierrors.Configuration(fmt.Sprintf("invalid %s", role.name), err)
		}
	}

	clustering := c.Orleans.Providers.Clustering
	switch clustering.Kind() {
	case ProviderAdoNet:
		if err := c.validateAdoNet("Orleans:Providers:Clustering:AdoNet", clustering.AdoNet); err != nil {
			return err
		}
	case ProviderRedis:
		if err := c.validateRedis("Orleans:Providers:Clustering:Redis", clustering.Redis); err != nil {
			return err
		}
	}

	backends := []struct {
		name string
		cfg  BackendConfig
	}{
		{"Orleans:Providers:Reminders", c.Orleans.Providers.Reminders},
		{"Orleans:Providers:Storage:Default", c.Orleans.Providers.Storage.Default},
		{"Orleans:Providers:Storage:PubSub", c.Orleans.Providers.Storage.PubSub},
	}
	for _, b := range backends {
		switch b.cfg.Kind() {
		case ProviderAdoNet:
			if err := c.validateAdoNet(b.name+":AdoNet", b.cfg.AdoNet); err != nil {
				return err
			}
			if _, err := ParseTypeNameHandling(b.cfg.AdoNet.TypeNameHandling); err != nil {
				return err
			}
		case ProviderRedis:
			if err := c.validateRedis(b.name+":Redis", b.cfg.Redis); err != nil {
				return err
			}
		}
	}

	if c.Client.ConnectTimeout < 0 {
		return sierrors.Configuration("Client:ConnectTimeout must not be negative", nil)
	}
	if c.Client.Retry.MaxAttempts < 0 {
		return sierrors.Configuration("Client:Retry:MaxAttempts must not be negative", nil)
	}
	if c.Dashboard.RequestsPerSecond < 0 || c.Dashboard.BurstSize < 0 {
		return sierrors.Configuration("Dashboard rate limits must not be negative", nil)
	}

	return nil
}

func (c *Config) validateAdoNet(section string, a AdoNetConfig) error {
	if a.ConnectionStringName == "" {
		return sierrors.Configuration(section+":ConnectionStringName is required", nil)
	}
	if _, ok := c.ConnectionString(a.ConnectionStringName); !ok {
		return sierrors.Configuration(fmt.Sprintf("connection string '%s' referenced by %s is not defined", a.ConnectionStringName, section), nil)
	}
	if a.Invariant == "" {
		return sierrors.Configuration(section+":Invariant is required", nil)
	}
	if !IsPostgresInvariant(a.Invariant) {
		return sierrors.Configuration(fmt.Sprintf("%s:Invariant '%s' is not a supported SQL dialect", section, a.Invariant), nil)
	}
	return nil
}

func (c *Config) validateRedis(section string, r RedisConfig) error {
	if r.ConnectionStringName == "" {
		return sierrors.Configuration(section+":ConnectionStringName is required", nil)
	}
	if _, ok := c.ConnectionString(r.ConnectionStringName); !ok {
		return sierrors.Configuration(fmt.Sprintf("connection string '%s' referenced by %s is not defined", r.ConnectionStringName, section), nil)
	}
	return nil
}

// IsPostgresInvariant reports whether the SQL dialect tag names a Postgres driver.
func IsPostgresInvariant(invariant string) bool {
	switch strings.ToLower(invariant) {
	case "npgsql", "postgres", "postgresql", "pgx":
		return true
	default:
		return false
	}
}
