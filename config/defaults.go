// =============================================================================
// 📦 TaskMesh 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Coordinator: DefaultCoordinatorConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Oracle:      DefaultOracleConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultCoordinatorConfig 返回默认协调器配置
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CapabilityWeight:   0.6,
		SuccessWeight:      0.3,
		ResponseWeight:     0.1,
		MinScore:           0.3,
		MaxRetries:         3,
		OfflineThreshold:   120 * time.Second,
		SweepInterval:      30 * time.Second,
		NegotiationTimeout: 30 * time.Second,
		DecomposeThreshold: 6,
		SeedDemoAgents:     false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "taskmesh",
		Password:        "",
		Name:            "taskmesh.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultOracleConfig 返回默认 Oracle 配置
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		Enabled:      false,
		BaseURL:      "",
		APIKey:       "",
		Model:        "gpt-4",
		Timeout:      2 * time.Minute,
		MaxRetries:   3,
		RateLimitRPS: 5,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "taskmesh",
		SampleRate:   0.1,
	}
}
