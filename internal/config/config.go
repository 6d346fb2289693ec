// Package config loads the seriesd configuration from YAML, .env and the
// process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RecurrenceConfig bounds expansion.
type RecurrenceConfig struct {
	// DefaultCount applies when a request is unbounded.
	DefaultCount int `yaml:"default_count"`
	// MaxCount caps every expansion.
	MaxCount int `yaml:"max_count"`
	// Cache enables the expansion cache.
	Cache    bool          `yaml:"cache"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	CacheMax int           `yaml:"cache_max_entries"`
}

type RedisConfig struct {
	Address  string        `yaml:"address"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockWait time.Duration `yaml:"lock_wait"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Config is the top-level application configuration.
type Config struct {
	Environment   string `yaml:"environment"`
	ServerAddress string `yaml:"server_address"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// DatabaseURL selects the PostgreSQL store; empty means in-memory.
	DatabaseURL    string `yaml:"database_url"`
	MigrationsPath string `yaml:"migrations_path"`

	Redis      RedisConfig      `yaml:"redis"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Recurrence RecurrenceConfig `yaml:"recurrence"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Environment:    "development",
		ServerAddress:  ":8080",
		LogLevel:       "info",
		LogFormat:      "text",
		AllowedOrigins: []string{"*"},
		MigrationsPath: "./migrations",
		Redis: RedisConfig{
			LockTTL:  30 * time.Second,
			LockWait: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "seriesd",
			TopicPrefix: "eventseries",
			QoS:         1,
		},
		Recurrence: RecurrenceConfig{
			DefaultCount: 10,
			MaxCount:     730,
			Cache:        true,
			CacheTTL:     5 * time.Minute,
			CacheMax:     1000,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Normalize fills zero values with defaults so partial files still work.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	if c.ServerAddress == "" {
		c.ServerAddress = d.ServerAddress
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = d.AllowedOrigins
	}
	if c.MigrationsPath == "" {
		c.MigrationsPath = d.MigrationsPath
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = d.Redis.LockTTL
	}
	if c.Redis.LockWait <= 0 {
		c.Redis.LockWait = d.Redis.LockWait
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = d.MQTT.ClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = d.MQTT.TopicPrefix
	}
	if c.Recurrence.DefaultCount <= 0 {
		c.Recurrence.DefaultCount = d.Recurrence.DefaultCount
	}
	if c.Recurrence.MaxCount <= 0 {
		c.Recurrence.MaxCount = d.Recurrence.MaxCount
	}
	if c.Recurrence.CacheTTL <= 0 {
		c.Recurrence.CacheTTL = d.Recurrence.CacheTTL
	}
	if c.Recurrence.CacheMax <= 0 {
		c.Recurrence.CacheMax = d.Recurrence.CacheMax
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required (JWT_SECRET)"))
	}
	if c.Recurrence.DefaultCount > c.Recurrence.MaxCount {
		errs = append(errs, fmt.Errorf("recurrence default_count %d exceeds max_count %d",
			c.Recurrence.DefaultCount, c.Recurrence.MaxCount))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// Load reads the YAML file at path (optional; a missing file yields the
// defaults), then the .env files, then the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	// .env never overrides variables already set in the process
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("APP_ENV", &c.Environment)
	str("SERVER_ADDRESS", &c.ServerAddress)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("JWT_SECRET", &c.JWTSecret)
	str("DATABASE_URL", &c.DatabaseURL)
	str("MIGRATIONS_PATH", &c.MigrationsPath)
	str("REDIS_ADDRESS", &c.Redis.Address)
	str("REDIS_USERNAME", &c.Redis.Username)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)

	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RECURRENCE_DEFAULT_COUNT", &c.Recurrence.DefaultCount},
		{"RECURRENCE_MAX_COUNT", &c.Recurrence.MaxCount},
	}
	for _, i := range ints {
		if v, ok := lookup(i.key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", i.key, err)
			}
			*i.dst = n
		}
	}
	if v, ok := lookup("RECURRENCE_CACHE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RECURRENCE_CACHE: %w", err)
		}
		c.Recurrence.Cache = b
	}
	if v, ok := lookup("SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}
