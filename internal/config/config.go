// Package config loads chronicle settings from defaults, an optional YAML
// file and CHRONICLE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/roach88/chronicle/internal/cache"
	"github.com/roach88/chronicle/internal/logging"
	"github.com/roach88/chronicle/internal/store"
)

// EnvPrefix is prepended to every environment override, e.g.
// CHRONICLE_DATABASE_DSN overrides database.dsn.
const EnvPrefix = "CHRONICLE"

// Config is the full runtime configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=sqlite sqlite3 postgres postgresql pgx"`
	DSN          string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
}

type EngineConfig struct {
	// Consistency is strict or degraded.
	Consistency string `mapstructure:"consistency" yaml:"consistency" validate:"required,oneof=strict degraded"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Path     string        `mapstructure:"path" yaml:"path" validate:"required_if=Enabled true InMemory false"`
	InMemory bool          `mapstructure:"in_memory" yaml:"in_memory"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
}

var validate = validator.New()

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{Driver: store.DriverSQLite, DSN: "chronicle.db", MaxOpenConns: 10},
		Engine:   EngineConfig{Consistency: "strict"},
		Cache:    CacheConfig{Path: ".chronicle-cache"},
		Log:      LogConfig{Level: "info", Format: "text"},
		HTTP:     HTTPConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads configuration. When path is empty, chronicle.yaml is looked up
// in the working directory and silently skipped if missing; an explicit path
// must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("chronicle")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("engine.consistency", d.Engine.Consistency)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.in_memory", d.Cache.InMemory)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("http.addr", d.HTTP.Addr)
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Engine.Consistency = strings.ToLower(strings.TrimSpace(c.Engine.Consistency))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Store returns the store settings.
func (c Config) Store() store.Config {
	return store.Config{
		Driver:       c.Database.Driver,
		DSN:          c.Database.DSN,
		MaxOpenConns: c.Database.MaxOpenConns,
	}
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

// CacheConfig returns badger settings, or false when the cache is disabled.
func (c Config) CacheConfig() (cache.Config, bool) {
	if !c.Cache.Enabled {
		return cache.Config{}, false
	}
	var cfg cache.Config
	if c.Cache.InMemory {
		cfg = cache.InMemoryConfig()
	} else {
		cfg = cache.DefaultConfig(c.Cache.Path)
	}
	cfg.TTL = c.Cache.TTL
	return cfg, true
}
