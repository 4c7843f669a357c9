package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/ports"
)

func TestFromMap_Defaults(t *testing.T) {
	cfg, err := FromMap(nil)
	require.NoError(t, err)

	assert.Equal(t, "Production", cfg.Environment)
	assert.True(t, cfg.Orleans.Ports.Silo.IsZero())
	assert.Equal(t, ProviderNone, cfg.Orleans.Providers.Clustering.Kind())
	assert.Equal(t, ProviderSimpleMessage, cfg.Orleans.Providers.Streams.Kind())
	assert.Equal(t, 10*time.Second, cfg.Client.ConnectTimeout)
	assert.Equal(t, 5, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.Retry.InitialBackoff)
	assert.Equal(t, time.Second, cfg.Orleans.Providers.Clustering.Gossip.ProbeInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestFromMap_PortsAndIdentity(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"Orleans:ClusterId":                     "dev",
		"Orleans:ServiceId":                     "chat",
		"Orleans:Ports:Silo:Start":              "11111",
		"Orleans:Ports:Silo:End":                "11120",
		"Orleans:Ports:Gateway:Start":           "30000",
		"Orleans:Ports:Gateway:End":             "30010",
		"Orleans:Providers:Clustering:Provider": "Localhost",
	})
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Orleans.ClusterID)
	assert.Equal(t, "chat", cfg.Orleans.ServiceID)
	assert.Equal(t, ports.PortRange{Start: 11111, End: 11120}, cfg.Orleans.Ports.Silo)
	assert.Equal(t, ports.PortRange{Start: 30000, End: 30010}, cfg.Orleans.Ports.Gateway)
	assert.True(t, cfg.Orleans.Ports.Dashboard.IsZero())
	assert.Equal(t, ProviderLocalhost, cfg.Orleans.Providers.Clustering.Kind())
}

func TestValidate_PortRanges(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		wantErr bool
	}{
		{
			name:   "single port",
			values: map[string]string{"Orleans:Ports:Silo:Start": "11111", "Orleans:Ports:Silo:End": "11111"},
		},
		{
			name:    "start after end",
			values:  map[string]string{"Orleans:Ports:Gateway:Start": "30010", "Orleans:Ports:Gateway:End": "30000"},
			wantErr: true,
		},
		{
			name:    "beyond max port",
			values:  map[string]string{"Orleans:Ports:Dashboard:Start": "8080", "Orleans:Ports:Dashboard:End": "70000"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.values)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, sierrors.ErrConfiguration))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidate_Providers(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		wantErr string
	}{
		{
			name: "adonet clustering",
			values: map[string]string{
				"Orleans:Providers:Clustering:Provider":                    "AdoNet",
				"Orleans:Providers:Clustering:AdoNet:ConnectionStringName": "Orleans",
				"Orleans:Providers:Clustering:AdoNet:Invariant":            "Npgsql",
				"ConnectionStrings:Orleans":                                "postgres://localhost/orleans",
			},
		},
		{
			name: "adonet without connection string name",
			values: map[string]string{
				"Orleans:Providers:Clustering:Provider":         "AdoNet",
				"Orleans:Providers:Clustering:AdoNet:Invariant": "Npgsql",
			},
			wantErr: "ConnectionStringName is required",
		},
		{
			name: "adonet with undefined connection string",
			values: map[string]string{
				"Orleans:Providers:Storage:Default:Provider":                    "AdoNet",
				"Orleans:Providers:Storage:Default:AdoNet:ConnectionStringName": "Missing",
				"Orleans:Providers:Storage:Default:AdoNet:Invariant":            "Npgsql",
			},
			wantErr: "is not defined",
		},
		{
			name: "adonet with unsupported invariant",
			values: map[string]string{
				"Orleans:Providers:Reminders:Provider":                    "AdoNet",
				"Orleans:Providers:Reminders:AdoNet:ConnectionStringName": "Orleans",
				"Orleans:Providers:Reminders:AdoNet:Invariant":            "System.Data.SqlClient",
				"ConnectionStrings:Orleans":                               "Server=.;Database=orleans",
			},
			wantErr: "not a supported SQL dialect",
		},
		{
			name: "adonet with unknown type name handling",
			values: map[string]string{
				"Orleans:Providers:Storage:PubSub:Provider":                    "AdoNet",
				"Orleans:Providers:Storage:PubSub:AdoNet:ConnectionStringName": "Orleans",
				"Orleans:Providers:Storage:PubSub:AdoNet:Invariant":            "Npgsql",
				"Orleans:Providers:Storage:PubSub:AdoNet:TypeNameHandling":     "Sometimes",
				"ConnectionStrings:Orleans":                                    "postgres://localhost/orleans",
			},
			wantErr: "unknown TypeNameHandling",
		},
		{
			name: "redis clustering",
			values: map[string]string{
				"Orleans:Providers:Clustering:Provider":                   "Redis",
				"Orleans:Providers:Clustering:Redis:ConnectionStringName": "Redis",
				"ConnectionStrings:Redis":                                 "redis://localhost:6379/0",
			},
		},
		{
			name: "redis without connection string",
			values: map[string]string{
				"Orleans:Providers:Clustering:Provider":                   "Redis",
				"Orleans:Providers:Clustering:Redis:ConnectionStringName": "Redis",
			},
			wantErr: "is not defined",
		},
		{
			name: "switched off sections are not checked",
			values: map[string]string{
				"Orleans:Providers:Storage:Default:AdoNet:Invariant": "System.Data.SqlClient",
			},
		},
		{
			name:    "negative retry attempts",
			values:  map[string]string{"Client:Retry:MaxAttempts": "-1"},
			wantErr: "MaxAttempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.values)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, sierrors.ErrConfiguration))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConnectionString_CaseInsensitive(t *testing.T) {
	cfg, err := FromMap(map[string]string{"ConnectionStrings:Orleans": "postgres://localhost/orleans"})
	require.NoError(t, err)

	v, ok := cfg.ConnectionString("ORLEANS")
	assert.True(t, ok)
	assert.Equal(t, "postgres://localhost/orleans", v)

	_, ok = cfg.ConnectionString("Other")
	assert.False(t, ok)
	_, ok = cfg.ConnectionString("")
	assert.False(t, ok)
}

func TestProviderKinds(t *testing.T) {
	assert.Equal(t, ProviderGossip, ClusteringConfig{Provider: "Gossip"}.Kind())
	assert.Equal(t, ProviderRedis, ClusteringConfig{Provider: "Redis"}.Kind())
	assert.Equal(t, ProviderNone, ClusteringConfig{Provider: "Consul"}.Kind())
	assert.Equal(t, ProviderNone, ClusteringConfig{}.Kind())

	assert.Equal(t, ProviderInMemory, BackendConfig{Provider: "InMemory"}.Kind())
	assert.Equal(t, ProviderAdoNet, BackendConfig{Provider: "AdoNet"}.Kind())
	assert.Equal(t, ProviderNone, BackendConfig{Provider: "Localhost"}.Kind())

	assert.Equal(t, ProviderNone, StreamsConfig{Provider: "Kafka"}.Kind())
	assert.Equal(t, "SimpleMessage", ProviderSimpleMessage.String())
	assert.Equal(t, "None", ProviderKind(99).String())
}

func TestParseTypeNameHandling(t *testing.T) {
	tests := []struct {
		in   string
		want TypeNameHandling
	}{
		{"", TypeNameHandlingNone},
		{"None", TypeNameHandlingNone},
		{"Objects", TypeNameHandlingObjects},
		{"arrays", TypeNameHandlingArrays},
		{"ALL", TypeNameHandlingAll},
		{"Auto", TypeNameHandlingAuto},
	}
	for _, tt := range tests {
		got, err := ParseTypeNameHandling(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseTypeNameHandling("Sometimes")
	assert.True(t, errors.Is(err, sierrors.ErrConfiguration))
}

func TestEnvironment(t *testing.T) {
	assert.True(t, NewEnvironment("").IsProduction())
	assert.True(t, NewEnvironment("production").IsProduction())
	assert.False(t, NewEnvironment("Development").IsProduction())
	assert.True(t, NewEnvironment("development").IsDevelopment())
	assert.Equal(t, "Production", NewEnvironment("").String())
	assert.Equal(t, "Staging", NewEnvironment("Staging").String())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silo.yaml")
	content := `
Environment: Development
Orleans:
  ClusterId: dev
  ServiceId: chat
  Ports:
    Silo:
      Start: 11111
      End: 11115
  Providers:
    Clustering:
      Provider: Redis
      Redis:
        ConnectionStringName: Redis
    Storage:
      Default:
        Provider: InMemory
ConnectionStrings:
  Redis: redis://localhost:6379/0
Logging:
  Level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Development", cfg.Environment)
	assert.Equal(t, "dev", cfg.Orleans.ClusterID)
	assert.Equal(t, ports.PortRange{Start: 11111, End: 11115}, cfg.Orleans.Ports.Silo)
	assert.Equal(t, ProviderRedis, cfg.Orleans.Providers.Clustering.Kind())
	assert.Equal(t, ProviderInMemory, cfg.Orleans.Providers.Storage.Default.Kind())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Client.Retry.MaxAttempts)

	v, ok := cfg.ConnectionString("Redis")
	assert.True(t, ok)
	assert.Equal(t, "redis://localhost:6379/0", v)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Orleans:\n  ClusterId: dev\n"), 0o600))
	t.Setenv("SILO_ORLEANS_CLUSTERID", "prod")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Orleans.ClusterID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
