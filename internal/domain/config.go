package domain

import "time"

// Config is the full agent configuration. config.Load fills it from
// defaults, folio.toml and FOLIO_* variables.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Sync       SyncConfig       `json:"sync"`
	Remote     RemoteConfig     `json:"remote"`
	Logging    LoggingConfig    `json:"logging"`
	Tracing    TracingConfig    `json:"tracing"`
}

// ServerConfig is the local HTTP API listener.
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`

	// CORSOrigins lists the browser origins allowed to call the API.
	// Empty or "*" allows any origin.
	CORSOrigins []string `json:"corsOrigins"`
}

// SyncConfig controls the sync manager and its scheduler.
type SyncConfig struct {
	// Interval between scheduled drains. Zero disables the ticker; drains
	// still run on connectivity restore and manual trigger.
	Interval time.Duration `json:"interval"`

	// MaxRetryCount is the retry ceiling after which entries are abandoned.
	MaxRetryCount int `json:"maxRetryCount"`

	// HandlerTimeout bounds a single remote call.
	HandlerTimeout time.Duration `json:"handlerTimeout"`
}

// RemoteConfig describes the REST backend.
type RemoteConfig struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"-"`

	Timeout time.Duration `json:"timeout"`

	// HealthPath is probed to detect connectivity.
	HealthPath    string        `json:"healthPath"`
	ProbeInterval time.Duration `json:"probeInterval"` // zero disables probing

	// Routes maps collection names to REST resource paths.
	Routes map[string]string `json:"routes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, console
	Output string `json:"output"` // stdout, stderr, or file path
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultRoutes maps each collection to its backend resource.
func DefaultRoutes() map[string]string {
	return map[string]string{
		CollectionPortfolios:      "/api/portfolios",
		CollectionCompanies:       "/api/companies",
		CollectionCreditRequests:  "/api/credit-requests",
		CollectionCreditContracts: "/api/credit-contracts",
		CollectionGuarantees:      "/api/guarantees",
	}
}

// DefaultConfig returns the embedded configuration: SQLite, the in-database
// cache and in-process channels.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./folio.db",
		},
		Cache: CacheConfig{
			Type:         "store",
			LocalMaxSize: 10000,
			LocalTTL:     time.Minute,
			DefaultTTL:   5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			MaxRetryCount:  MaxRetryCount,
			HandlerTimeout: 15 * time.Second,
		},
		Remote: RemoteConfig{
			BaseURL:       "http://localhost:3000",
			Timeout:       15 * time.Second,
			HealthPath:    "/api/health",
			ProbeInterval: 15 * time.Second,
			Routes:        DefaultRoutes(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "folio",
		},
	}
}

// HostedConfig returns a configuration for a shared deployment with
// PostgreSQL, Redis and NATS.
func HostedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "folio",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		DefaultTTL:     5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
