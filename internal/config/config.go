// Package config loads server settings from an optional YAML file and
// TONTINE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// TickInterval runs the cycle scheduler in-process. Zero leaves it to an external cron.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// TickConcurrency bounds how many tontines one tick evaluates at once.
	TickConcurrency int `mapstructure:"tick_concurrency"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type JWTConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Duration time.Duration `mapstructure:"duration"`
}

type RedisConfig struct {
	// Addr enables the Redis lock when set.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WebhookConfig struct {
	// URL enables webhook notifications when set; events are logged otherwise.
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTries  uint          `mapstructure:"max_tries"`
	QueueSize int           `mapstructure:"queue_size"`
}

type RateLimitConfig struct {
	// PerSecond is the sustained request rate per user. Zero disables limiting.
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tick_interval", time.Duration(0))
	v.SetDefault("server.tick_concurrency", 8)
	v.SetDefault("database.path", "./data/tontine.db")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "tontine")
	v.SetDefault("jwt.duration", 24*time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", 5*time.Second)
	v.SetDefault("webhook.max_tries", 5)
	v.SetDefault("webhook.queue_size", 256)
	v.SetDefault("rate_limit.per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from path. With an empty path it looks for
// config.yaml in the working directory and carries on with defaults if there
// is none. Environment variables override the file, e.g. TONTINE_SERVER_PORT=9000.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TONTINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	case c.Database.Path == "":
		return errors.New("database.path is required")
	case len(c.JWT.Secret) < 32:
		return errors.New("jwt.secret must be at least 32 characters")
	case c.JWT.Duration <= 0:
		return errors.New("jwt.duration must be positive")
	case c.RateLimit.PerSecond < 0:
		return errors.New("rate_limit.per_second cannot be negative")
	}
	return nil
}
