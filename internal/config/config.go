package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sigema   SigemaConfig   `mapstructure:"sigema"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Alert    AlertConfig    `mapstructure:"alert"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"` // bolt database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SigemaConfig defines the upstream Sigema backend connection
type SigemaConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	HTTPTimeout string `mapstructure:"http_timeout"`
}

// SamplingConfig defines position sampling behavior
type SamplingConfig struct {
	Interval     string `mapstructure:"interval"`
	UsageTimeout string `mapstructure:"usage_timeout"`
}

// DeliveryConfig defines report delivery retry behavior
type DeliveryConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	RetryDelay  string `mapstructure:"retry_delay"`
	HTTPTimeout string `mapstructure:"http_timeout"`
}

// AlertConfig defines the alert e-mail channel
type AlertConfig struct {
	SMTPHost   string   `mapstructure:"smtp_host"`
	SMTPPort   int      `mapstructure:"smtp_port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TRACKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/trackd/trips.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	v.SetDefault("sigema.base_url", "http://localhost:9000")
	v.SetDefault("sigema.http_timeout", "10s")

	v.SetDefault("sampling.interval", "15m")
	v.SetDefault("sampling.usage_timeout", "15m")

	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.retry_delay", "2s")
	v.SetDefault("delivery.http_timeout", "10s")

	v.SetDefault("alert.smtp_port", 587)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for bolt storage")
		}
	case "redis":
		if c.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s (must be bolt or redis)", c.Storage.Type)
	}

	if c.Sigema.BaseURL == "" {
		return fmt.Errorf("sigema.base_url is required")
	}

	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"sigema.http_timeout", c.Sigema.HTTPTimeout},
		{"sampling.interval", c.Sampling.Interval},
		{"sampling.usage_timeout", c.Sampling.UsageTimeout},
		{"delivery.retry_delay", c.Delivery.RetryDelay},
		{"delivery.http_timeout", c.Delivery.HTTPTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}

	return nil
}
