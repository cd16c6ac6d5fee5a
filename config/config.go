package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DyNATgIT/ARK/logging"
)

// Config holds the configuration for the onboarding orchestrator.
type Config struct {
	Log      logging.Options `mapstructure:"log"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Engine   EngineConfig    `mapstructure:"engine"`
	Dispatch DispatchConfig  `mapstructure:"dispatch"`
	Server   ServerConfig    `mapstructure:"server"`
	Notify   NotifyConfig    `mapstructure:"notify"`
}

// StorageConfig selects and configures the checkpoint store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory, redis or postgres
	Redis  struct {
		Addr         string        `mapstructure:"addr"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		PoolSize     int           `mapstructure:"pool_size"`
		MinIdleConns int           `mapstructure:"min_idle_conns"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"redis"`
	Postgres struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"postgres"`
}

// DSN renders the postgres connection string.
func (s StorageConfig) DSN() string {
	p := s.Postgres
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	ParallelVerification bool    `mapstructure:"parallel_verification"`
	ReviewThreshold      float64 `mapstructure:"review_threshold"`
	// ReviewExpression overrides the gate rule; empty keeps the built-in rule.
	ReviewExpression string `mapstructure:"review_expression"`
}

// DispatchConfig selects the background task dispatcher.
type DispatchConfig struct {
	Driver  string `mapstructure:"driver"` // local or redis
	Workers int    `mapstructure:"workers"`
	Queue   string `mapstructure:"queue"`
	Buffer  int    `mapstructure:"buffer"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NotifyConfig configures outbound notification delivery for the communication worker.
type NotifyConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookFormat string `mapstructure:"webhook_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "postgres")
	v.SetDefault("storage.postgres.name", "onboarding_db")
	v.SetDefault("storage.postgres.sslmode", "disable")

	v.SetDefault("engine.parallel_verification", true)
	v.SetDefault("engine.review_threshold", 0.8)

	v.SetDefault("dispatch.driver", "local")
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue", "onboarding:jobs")
	v.SetDefault("dispatch.buffer", 100)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("notify.webhook_format", "slack")
}

// Load reads configuration from path (when non-empty), ./onboarder.yaml or ./config/onboarder.yaml,
// and ONBOARDER_* environment variables. A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("onboarder")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("onboarder")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown drivers and out-of-range values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Dispatch.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("config: unknown dispatch driver %q", c.Dispatch.Driver)
	}
	if c.Engine.ReviewThreshold < 0 || c.Engine.ReviewThreshold > 1 {
		return fmt.Errorf("config: review_threshold must be within [0, 1], got %v", c.Engine.ReviewThreshold)
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 1
	}
	return nil
}
