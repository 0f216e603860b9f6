package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/folio/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "folio.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	want := domain.DefaultConfig()
	assert.Equal(t, want.Repository.Driver, cfg.Repository.Driver)
	assert.Equal(t, want.Repository.SQLitePath, cfg.Repository.SQLitePath)
	assert.Equal(t, "store", cfg.Cache.Type)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, domain.MaxRetryCount, cfg.Sync.MaxRetryCount)
	assert.Equal(t, "/api/health", cfg.Remote.HealthPath)
	assert.Equal(t, domain.DefaultRoutes(), cfg.Remote.Routes)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
read_timeout = "5s"
cors_origins = ["https://app.example.com"]

[bus]
source = "branch-12"

[repository]
sqlite_path = "/var/lib/folio/data.db"

[sync]
interval = "1m"
max_retry_count = 5

[remote]
base_url = "https://api.example.com"

[remote.routes]
portfolios = "/v2/portfolios"

[cache]
sweep_interval = "10m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/folio/data.db", cfg.Repository.SQLitePath)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxRetryCount)
	assert.Equal(t, "https://api.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "/v2/portfolios", cfg.Remote.Routes[domain.CollectionPortfolios])
	assert.Equal(t, "/api/companies", cfg.Remote.Routes[domain.CollectionCompanies])
	assert.Equal(t, 10*time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "branch-12", cfg.EventBus.Source)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[logging]\nlevel = \"debug\"\n")
	t.Setenv("FOLIO_LOGGING_LEVEL", "warn")
	t.Setenv("FOLIO_REMOTE_TOKEN", "secret-token")
	t.Setenv("FOLIO_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "secret-token", cfg.Remote.Token)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "folio", cfg.Tracing.ServiceName)
}

func TestLoadHostedProfile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FOLIO_PROFILE", "hosted")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.True(t, cfg.Cache.EnableTwoPhase)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
		errMsg string
	}{
		{"valid", func(*domain.Config) {}, ""},
		{"bad driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, "repository.driver"},
		{"bad cache", func(c *domain.Config) { c.Cache.Type = "memcached" }, "cache.type"},
		{"bad bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }, "bus.type"},
		{"zero retries", func(c *domain.Config) { c.Sync.MaxRetryCount = 0 }, "max_retry_count"},
		{"relative url", func(c *domain.Config) { c.Remote.BaseURL = "api/v1" }, "remote.base_url"},
		{"bad port", func(c *domain.Config) { c.Server.Port = 0 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
