// =============================================================================
// Gateway default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns a Config populated with sane defaults for local
// development; production deployments override via YAML or env vars.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Gateway:   DefaultGatewayConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns default HTTP server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8080,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		CORSAllowedOrigins: nil,
		RateLimitRPS:       100,
		RateLimitBurst:     200,
	}
}

// DefaultGatewayConfig returns default routing/health/auth settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		HealthCheckInterval:    300 * time.Second,
		HealthCheckTimeout:     30 * time.Second,
		MaxConsecutiveFailures: 5,
		DefaultRequestTimeout:  60 * time.Second,
		MaxRetriesPerProvider:  2,
		AdminKey:               "",
		CallerAllowList:        nil,
	}
}

// DefaultRedisConfig returns default cache settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns default relational store settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "gateway",
		Password:        "",
		Name:            "gateway",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns default zap logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default tracing export settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentflow-gateway",
		SampleRate:   0.1,
	}
}
