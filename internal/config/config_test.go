package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "./data/tontine.db", c.Database.Path)
	assert.Equal(t, 24*time.Hour, c.JWT.Duration)
	assert.Equal(t, 8, c.Server.TickConcurrency)
	assert.Empty(t, c.Redis.Addr)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tontine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  tick_interval: 1m
database:
  path: /var/lib/tontine.db
jwt:
  secret: file-secret
webhook:
  url: https://hooks.example.com/tontine
`), 0o600))

	t.Setenv("TONTINE_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TONTINE_REDIS_ADDR", "localhost:6379")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, c.Server.Port)
	assert.Equal(t, time.Minute, c.Server.TickInterval)
	assert.Equal(t, "/var/lib/tontine.db", c.Database.Path)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", c.JWT.Secret)
	assert.Equal(t, "localhost:6379", c.Redis.Addr)
	assert.Equal(t, "https://hooks.example.com/tontine", c.Webhook.URL)
	assert.NoError(t, c.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Database: DatabaseConfig{Path: "tontine.db"},
			JWT:      JWTConfig{Secret: "0123456789abcdef0123456789abcdef", Duration: time.Hour},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no database", func(c *Config) { c.Database.Path = "" }},
		{"short secret", func(c *Config) { c.JWT.Secret = "short" }},
		{"zero duration", func(c *Config) { c.JWT.Duration = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit.PerSecond = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
