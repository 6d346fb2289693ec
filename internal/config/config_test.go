package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ServerAddress, cfg.ServerAddress)
	assert.Equal(t, 10, cfg.Recurrence.DefaultCount)
	assert.True(t, cfg.Recurrence.Cache)
}

func TestLoad_YAMLThenDotEnvThenEnvironment(t *testing.T) {
	path := writeFile(t, "seriesd.yaml", `
server_address: ":9000"
log_level: debug
jwt_secret: from-yaml
recurrence:
  max_count: 500
  cache_ttl: 90s
mqtt:
  broker: tcp://yaml:1883
`)
	env := writeFile(t, "test.env", "JWT_SECRET=from-dotenv\nREDIS_ADDRESS=redis:6379\nMQTT_BROKER=tcp://dotenv:1883\n")
	t.Setenv("MQTT_BROKER", "tcp://process:1883")

	cfg, err := Load(path, env)
	require.NoError(t, err)
	t.Cleanup(func() {
		os.Unsetenv("JWT_SECRET")
		os.Unsetenv("REDIS_ADDRESS")
	})

	assert.Equal(t, ":9000", cfg.ServerAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "from-dotenv", cfg.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "tcp://process:1883", cfg.MQTT.Broker, "process environment wins over .env")
	assert.Equal(t, 500, cfg.Recurrence.MaxCount)
	assert.Equal(t, 10, cfg.Recurrence.DefaultCount)
	assert.Equal(t, 90*time.Second, cfg.Recurrence.CacheTTL)
	assert.True(t, cfg.Recurrence.Cache, "unset keys keep their defaults")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "server_address: [unclosed"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	vars := map[string]string{
		"ALLOWED_ORIGINS":          "https://a.example, https://b.example",
		"RECURRENCE_DEFAULT_COUNT": "20",
		"RECURRENCE_CACHE":         "false",
		"SHUTDOWN_TIMEOUT":         "3s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 20, cfg.Recurrence.DefaultCount)
	assert.False(t, cfg.Recurrence.Cache)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)

	vars = map[string]string{"RECURRENCE_MAX_COUNT": "lots"}
	assert.Error(t, DefaultConfig().applyEnv(lookup))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.JWTSecret = "secret"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "jwt secret"},
		{"default above max", func(c *Config) { c.Recurrence.DefaultCount = 2000 }, "exceeds max_count"},
		{"qos", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNormalize(t *testing.T) {
	c := &Config{}
	c.Normalize()
	d := DefaultConfig()
	assert.Equal(t, d.ServerAddress, c.ServerAddress)
	assert.Equal(t, d.Recurrence.MaxCount, c.Recurrence.MaxCount)
	assert.Equal(t, d.Redis.LockWait, c.Redis.LockWait)
	assert.Equal(t, d.MQTT.TopicPrefix, c.MQTT.TopicPrefix)
}
