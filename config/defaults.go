// =============================================================================
// 📦 TokenFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Stream:    DefaultStreamConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultStreamConfig 返回默认流注册表配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxConcurrentStreams: 1000,
		MaxStreamDuration:    30 * time.Minute,
		SweepInterval:        30 * time.Second,
		MetricsInterval:      10 * time.Second,
		Buffer:               DefaultBufferConfig(),
	}
}

// DefaultBufferConfig 返回默认写合并缓冲配置
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxBytes:      16 << 10, // 16 KiB
		MaxAge:        100 * time.Millisecond,
		FlushInterval: 50 * time.Millisecond,
		MaxFragments:  10,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		SnapshotTTL:  time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
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
		ServiceName:  "tokenflow",
		SampleRate:   0.1,
	}
}
