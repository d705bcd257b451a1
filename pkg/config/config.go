// Package config loads the docsync configuration.
//
// Values are resolved in three layers: built-in defaults, then an optional
// YAML file, then DOCSYNC_* environment variables. Command-line flags, when
// a binary has them, are applied by the caller on top of the result.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/docsync-client/pkg/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCSYNC_"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete docsync configuration.
type Config struct {
	// Locale selects the user-facing error messages ("en" or "fa").
	Locale string `yaml:"locale"`

	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Cache    CacheConfig    `yaml:"cache"`
	CrossTab CrossTabConfig `yaml:"crosstab"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Agent    AgentConfig    `yaml:"agent"`
}

// APIConfig configures the request executor.
type APIConfig struct {
	// BaseURL is the REST origin, e.g. http://localhost:8000.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds one attempt. Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the total number of attempts per request. Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBaseDelay is multiplied by the attempt number. Default: 1s
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	UserAgent string `yaml:"user_agent"`
}

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	// URL is the websocket endpoint. Empty disables realtime.
	URL string `yaml:"url"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectCap         time.Duration `yaml:"reconnect_cap"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	QueueLimit           int           `yaml:"queue_limit"`
}

// CacheConfig configures the in-memory response cache.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CrossTabConfig configures the cross-tab bus.
type CrossTabConfig struct {
	// Capacity bounds the shared event log. Default: 50
	Capacity int `yaml:"capacity"`
}

// StorageConfig selects the durable store shared between tabs.
type StorageConfig struct {
	// Backend is "memory" (one process) or "redis" (shared across processes).
	Backend string `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Namespace prefixes every Redis key, isolating one origin.
	Namespace string `yaml:"namespace"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// AgentConfig configures the docsync-agent process.
type AgentConfig struct {
	// ListenAddr serves health, metrics and the API pass-through.
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Prefetch lists paginated endpoints warmed into the cache at startup.
	Prefetch []string `yaml:"prefetch"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Locale: "en",
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			RetryBaseDelay: time.Second,
			UserAgent:      "docsync-client/1.0",
		},
		Realtime: RealtimeConfig{
			URL:                  "ws://localhost:8000/ws/updates",
			HeartbeatInterval:    30 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectCap:         30 * time.Second,
			MaxReconnectAttempts: 10,
			QueueLimit:           100,
		},
		Cache: CacheConfig{
			MaxEntries:    500,
			SweepInterval: time.Minute,
		},
		CrossTab: CrossTabConfig{
			Capacity: 50,
		},
		Storage: StorageConfig{
			Backend:   BackendMemory,
			RedisAddr: "localhost:6379",
			Namespace: "docsync",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Agent: AgentConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// envBinding maps one environment variable onto a field.
type envBinding struct {
	name string
	set  func(string) error
}

func (c *Config) bindings() []envBinding {
	return []envBinding{
		{"LOCALE", stringVar(&c.Locale)},
		{"API_BASE_URL", stringVar(&c.API.BaseURL)},
		{"API_TIMEOUT", durationVar(&c.API.Timeout)},
		{"API_MAX_ATTEMPTS", intVar(&c.API.MaxAttempts)},
		{"API_RETRY_BASE_DELAY", durationVar(&c.API.RetryBaseDelay)},
		{"API_USER_AGENT", stringVar(&c.API.UserAgent)},
		{"REALTIME_URL", stringVar(&c.Realtime.URL)},
		{"REALTIME_HEARTBEAT_INTERVAL", durationVar(&c.Realtime.HeartbeatInterval)},
		{"REALTIME_RECONNECT_BASE", durationVar(&c.Realtime.ReconnectBase)},
		{"REALTIME_RECONNECT_CAP", durationVar(&c.Realtime.ReconnectCap)},
		{"REALTIME_MAX_RECONNECT_ATTEMPTS", intVar(&c.Realtime.MaxReconnectAttempts)},
		{"REALTIME_QUEUE_LIMIT", intVar(&c.Realtime.QueueLimit)},
		{"CACHE_MAX_ENTRIES", intVar(&c.Cache.MaxEntries)},
		{"CACHE_SWEEP_INTERVAL", durationVar(&c.Cache.SweepInterval)},
		{"CROSSTAB_CAPACITY", intVar(&c.CrossTab.Capacity)},
		{"STORAGE_BACKEND", stringVar(&c.Storage.Backend)},
		{"REDIS_ADDR", stringVar(&c.Storage.RedisAddr)},
		{"REDIS_PASSWORD", stringVar(&c.Storage.RedisPassword)},
		{"REDIS_DB", intVar(&c.Storage.RedisDB)},
		{"STORAGE_NAMESPACE", stringVar(&c.Storage.Namespace)},
		{"LOG_LEVEL", stringVar(&c.Logging.Level)},
		{"LOG_PRETTY", boolVar(&c.Logging.Pretty)},
		{"LISTEN_ADDR", stringVar(&c.Agent.ListenAddr)},
		{"SHUTDOWN_TIMEOUT", durationVar(&c.Agent.ShutdownTimeout)},
		{"PREFETCH", listVar(&c.Agent.Prefetch)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Locale == "en" || c.Locale == "fa", "locale must be \"en\" or \"fa\" (got %q)", c.Locale)
	check(c.API.BaseURL != "", "api.base_url is required")
	check(c.API.Timeout > 0, "api.timeout must be > 0 (got %v)", c.API.Timeout)
	check(c.API.MaxAttempts >= 1, "api.max_attempts must be >= 1 (got %d)", c.API.MaxAttempts)
	check(c.API.RetryBaseDelay >= 0, "api.retry_base_delay must be >= 0 (got %v)", c.API.RetryBaseDelay)

	if c.Realtime.URL != "" {
		check(c.Realtime.HeartbeatInterval > 0, "realtime.heartbeat_interval must be > 0 (got %v)", c.Realtime.HeartbeatInterval)
		check(c.Realtime.ReconnectBase > 0, "realtime.reconnect_base must be > 0 (got %v)", c.Realtime.ReconnectBase)
		check(c.Realtime.ReconnectCap >= c.Realtime.ReconnectBase, "realtime.reconnect_cap must be >= reconnect_base")
		check(c.Realtime.MaxReconnectAttempts >= 0, "realtime.max_reconnect_attempts must be >= 0 (got %d)", c.Realtime.MaxReconnectAttempts)
		check(c.Realtime.QueueLimit >= 1, "realtime.queue_limit must be >= 1 (got %d)", c.Realtime.QueueLimit)
	}

	check(c.Cache.MaxEntries >= 1, "cache.max_entries must be >= 1 (got %d)", c.Cache.MaxEntries)
	check(c.Cache.SweepInterval > 0, "cache.sweep_interval must be > 0 (got %v)", c.Cache.SweepInterval)
	check(c.CrossTab.Capacity >= 1, "crosstab.capacity must be >= 1 (got %d)", c.CrossTab.Capacity)

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		check(c.Storage.RedisAddr != "", "storage.redis_addr is required for the redis backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q (got %q)", BackendMemory, BackendRedis, c.Storage.Backend))
	}

	_, ok := logging.ParseLevel(logging.LogLevel(c.Logging.Level))
	check(ok, "logging.level %q is not one of debug, info, warn, error", c.Logging.Level)

	return errors.Join(errs...)
}

func stringVar(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func intVar(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func boolVar(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func durationVar(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

func listVar(p *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*p = out
		return nil
	}
}
