// Package config loads Folio configuration from a file and FOLIO_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/folio/internal/domain"
)

// Load reads configuration with the following priority, highest first:
//  1. Environment variables with FOLIO_ prefix (e.g. FOLIO_REMOTE_BASE_URL)
//  2. The config file at path, or folio.toml in the working directory
//  3. Built-in defaults for the selected profile (FOLIO_PROFILE=hosted)
func Load(path string) (*domain.Config, error) {
	v := viper.New()

	v.SetEnvPrefix("FOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base := domain.DefaultConfig()
	if strings.EqualFold(v.GetString("profile"), "hosted") {
		base = domain.HostedConfig()
	}
	setDefaults(v, base)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("folio")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/folio")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &domain.Config{
		Server: domain.ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			CORSOrigins:  v.GetStringSlice("server.cors_origins"),
		},
		Repository: domain.RepositoryConfig{
			Driver:           v.GetString("repository.driver"),
			SQLitePath:       v.GetString("repository.sqlite_path"),
			PostgresHost:     v.GetString("repository.postgres_host"),
			PostgresPort:     v.GetInt("repository.postgres_port"),
			PostgresUser:     v.GetString("repository.postgres_user"),
			PostgresPassword: v.GetString("repository.postgres_password"),
			PostgresDB:       v.GetString("repository.postgres_db"),
			PostgresSSLMode:  v.GetString("repository.postgres_sslmode"),
			MaxOpenConns:     v.GetInt("repository.max_open_conns"),
			MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
			ConnMaxLifetime:  v.GetDuration("repository.conn_max_lifetime"),
		},
		Cache: domain.CacheConfig{
			Type:           v.GetString("cache.type"),
			LocalMaxSize:   v.GetInt("cache.local_max_size"),
			LocalTTL:       v.GetDuration("cache.local_ttl"),
			RedisAddr:      v.GetString("cache.redis_addr"),
			RedisPassword:  v.GetString("cache.redis_password"),
			RedisDB:        v.GetInt("cache.redis_db"),
			RedisKeyPrefix: v.GetString("cache.redis_key_prefix"),
			EnableTwoPhase: v.GetBool("cache.two_phase"),
			DefaultTTL:     v.GetDuration("cache.default_ttl"),
			SweepInterval:  v.GetDuration("cache.sweep_interval"),
		},
		EventBus: domain.EventBusConfig{
			Type:              v.GetString("bus.type"),
			Source:            v.GetString("bus.source"),
			ChannelBufferSize: v.GetInt("bus.channel_buffer_size"),
			NATSUrl:           v.GetString("bus.nats_url"),
			NATSToken:         v.GetString("bus.nats_token"),
			NATSSubjectPrefix: v.GetString("bus.nats_subject_prefix"),
			NATSMaxReconnects: v.GetInt("bus.nats_max_reconnects"),
			NATSReconnectWait: v.GetInt("bus.nats_reconnect_wait"),
		},
		Sync: domain.SyncConfig{
			Interval:       v.GetDuration("sync.interval"),
			MaxRetryCount:  v.GetInt("sync.max_retry_count"),
			HandlerTimeout: v.GetDuration("sync.handler_timeout"),
		},
		Remote: domain.RemoteConfig{
			BaseURL:       v.GetString("remote.base_url"),
			Token:         v.GetString("remote.token"),
			Timeout:       v.GetDuration("remote.timeout"),
			HealthPath:    v.GetString("remote.health_path"),
			ProbeInterval: v.GetDuration("remote.probe_interval"),
			Routes:        domain.DefaultRoutes(),
		},
		Logging: domain.LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
			Output: v.GetString("logging.output"),
		},
		Tracing: domain.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
		},
	}

	for collection, route := range v.GetStringMapString("remote.routes") {
		cfg.Remote.Routes[collection] = route
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)

	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", cfg.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.local_max_size", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.redis_key_prefix", cfg.Cache.RedisKeyPrefix)
	v.SetDefault("cache.two_phase", cfg.Cache.EnableTwoPhase)
	v.SetDefault("cache.default_ttl", cfg.Cache.DefaultTTL)
	v.SetDefault("cache.sweep_interval", cfg.Cache.SweepInterval)

	v.SetDefault("bus.type", cfg.EventBus.Type)
	v.SetDefault("bus.channel_buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("bus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("bus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("bus.nats_subject_prefix", cfg.EventBus.NATSSubjectPrefix)
	v.SetDefault("bus.source", cfg.EventBus.Source)
	v.SetDefault("bus.nats_max_reconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("bus.nats_reconnect_wait", cfg.EventBus.NATSReconnectWait)

	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.max_retry_count", cfg.Sync.MaxRetryCount)
	v.SetDefault("sync.handler_timeout", cfg.Sync.HandlerTimeout)

	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.token", cfg.Remote.Token)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.health_path", cfg.Remote.HealthPath)
	v.SetDefault("remote.probe_interval", cfg.Remote.ProbeInterval)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// Validate checks a configuration for values the components would reject.
func Validate(cfg *domain.Config) error {
	var errs []error

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("repository.driver must be sqlite or postgres, got %q", cfg.Repository.Driver))
	}

	switch cfg.Cache.Type {
	case "store", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.type must be store, memory or redis, got %q", cfg.Cache.Type))
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("bus.type must be channel or nats, got %q", cfg.EventBus.Type))
	}

	if cfg.Sync.MaxRetryCount < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retry_count must be at least 1, got %d", cfg.Sync.MaxRetryCount))
	}
	if cfg.Sync.Interval < 0 {
		errs = append(errs, errors.New("sync.interval must not be negative"))
	}

	if cfg.Remote.BaseURL != "" {
		u, err := url.Parse(cfg.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.base_url is not an absolute URL: %q", cfg.Remote.BaseURL))
		}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}

	return errors.Join(errs...)
}
