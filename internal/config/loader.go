package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// KeyDelimiter separates configuration path segments, e.g. Orleans:Ports:Silo:Start.
const KeyDelimiter = ":"

// EnvPrefix prefixes environment overrides, e.g. SILO_ORLEANS_CLUSTERID.
const EnvPrefix = "SILO"

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(KeyDelimiter))
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(KeyDelimiter, "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := newViper()

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("silo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/silohost/")
	}

	// Read config file (ignore if not found, use defaults/env)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// FromMap builds a configuration from flat keys such as
// "Orleans:Ports:Silo:Start". Defaults still apply; environment overrides do
// not, so the result depends only on values.
func FromMap(values map[string]string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(KeyDelimiter))
	setDefaults(v)
	for key, value := range values {
		v.Set(key, value)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("Environment", "Production")

	// Event streams are on unless switched off
	v.SetDefault("Orleans:Providers:Streams:Provider", "SimpleMessage")

	// Gossip defaults, memberlist's LAN profile
	v.SetDefault("Orleans:Providers:Clustering:Gossip:GossipInterval", "200ms")
	v.SetDefault("Orleans:Providers:Clustering:Gossip:ProbeInterval", "1s")
	v.SetDefault("Orleans:Providers:Clustering:Gossip:ProbeTimeout", "500ms")

	// Client defaults
	v.SetDefault("Client:ConnectTimeout", "10s")
	v.SetDefault("Client:Retry:MaxAttempts", 5)
	v.SetDefault("Client:Retry:InitialBackoff", "500ms")
	v.SetDefault("Client:Retry:MaxBackoff", "10s")

	// Dashboard defaults
	v.SetDefault("Dashboard:RequestsPerSecond", 100.0)
	v.SetDefault("Dashboard:BurstSize", 20)

	// Logging defaults
	v.SetDefault("Logging:Level", "info")
	v.SetDefault("Logging:Format", "json")
}
