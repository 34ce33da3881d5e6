package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// ResilienceConfig tunes the wrapper applied around every adapter call.
type ResilienceConfig struct {
	MaxRetries     int                  `yaml:"max_retries"`
	BaseDelay      time.Duration        `yaml:"base_delay"`
	BackoffFactor  float64              `yaml:"backoff_factor"`
	DefaultTimeout time.Duration        `yaml:"default_timeout"`
	Cache          CacheConfig          `yaml:"cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CacheConfig selects and sizes the response cache. Backend is "memory" or
// "redis"; the redis backend falls back to memory when no client connects.
type CacheConfig struct {
	Backend  string        `yaml:"backend"`
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "berl",
			User:            "berl",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Resilience: ResilienceConfig{
			MaxRetries:     3,
			BaseDelay:      100 * time.Millisecond,
			BackoffFactor:  2,
			DefaultTimeout: 300 * time.Second,
			Cache: CacheConfig{
				Backend:  "memory",
				Capacity: 1000,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
	}
}
