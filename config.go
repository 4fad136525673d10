package fitsync

import (
	"encoding"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Duration is a time.Duration written as a Go duration string ("30s", "24h").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the proxy configuration stored in ~/.fitsync/config.toml.
type Config struct {
	Server ServerConfig `toml:"server"`
	Cache  CacheConfig  `toml:"cache"`
	Sync   SyncConfig   `toml:"sync"`
	Push   PushConfig   `toml:"push"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig configures the listener and the origin. AdminToken guards the
// /_worker/ signal and status routes; they are closed while it is empty.
type ServerConfig struct {
	Listen     string   `toml:"listen" env:"FITSYNC_LISTEN"`
	Origin     string   `toml:"origin" env:"FITSYNC_ORIGIN"`
	Timeout    Duration `toml:"timeout" env:"FITSYNC_TIMEOUT"`
	UserAgent  string   `toml:"user_agent" env:"FITSYNC_USER_AGENT"`
	AdminToken string   `toml:"admin_token" env:"FITSYNC_ADMIN_TOKEN"`
}

// CacheConfig configures namespaces, storage and limits.
type CacheConfig struct {
	Path              string   `toml:"path" env:"FITSYNC_CACHE_PATH"`
	Version           string   `toml:"version" env:"FITSYNC_VERSION"`
	Prefix            string   `toml:"prefix" env:"FITSYNC_PREFIX"`
	SeedPaths         []string `toml:"seed_paths" env:"FITSYNC_SEED_PATHS" envSeparator:","`
	APIPrefix         string   `toml:"api_prefix" env:"FITSYNC_API_PREFIX"`
	KeyHeaders        []string `toml:"key_headers" env:"FITSYNC_KEY_HEADERS" envSeparator:","`
	StaticMaxEntries  int      `toml:"static_max_entries" env:"FITSYNC_STATIC_MAX_ENTRIES"`
	DynamicMaxEntries int      `toml:"dynamic_max_entries" env:"FITSYNC_DYNAMIC_MAX_ENTRIES"`
	DynamicMaxAge     Duration `toml:"dynamic_max_age" env:"FITSYNC_DYNAMIC_MAX_AGE"`
	APIMaxEntries     int      `toml:"api_max_entries" env:"FITSYNC_API_MAX_ENTRIES"`
	APIMaxAge         Duration `toml:"api_max_age" env:"FITSYNC_API_MAX_AGE"`
}

// SyncConfig configures queues, endpoints and the platform scheduler.
type SyncConfig struct {
	QueuePath         string   `toml:"queue_path" env:"FITSYNC_QUEUE_PATH"`
	WorkoutEndpoint   string   `toml:"workout_endpoint" env:"FITSYNC_WORKOUT_ENDPOINT"`
	AnalyticsEndpoint string   `toml:"analytics_endpoint" env:"FITSYNC_ANALYTICS_ENDPOINT"`
	PeriodicInterval  Duration `toml:"periodic_interval" env:"FITSYNC_PERIODIC_INTERVAL"`
	MaxAttempts       int      `toml:"max_attempts" env:"FITSYNC_MAX_ATTEMPTS"`
	RetryInitial      Duration `toml:"retry_initial" env:"FITSYNC_RETRY_INITIAL"`
	RetryMax          Duration `toml:"retry_max" env:"FITSYNC_RETRY_MAX"`
	ProbePath         string   `toml:"probe_path" env:"FITSYNC_PROBE_PATH"`
	ProbeInterval     Duration `toml:"probe_interval" env:"FITSYNC_PROBE_INTERVAL"`
}

// PushConfig configures signed push delivery.
type PushConfig struct {
	Secret string `toml:"secret" env:"FITSYNC_PUSH_SECRET"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Format string `toml:"format" env:"FITSYNC_LOG_FORMAT"`
	Level  string `toml:"level" env:"FITSYNC_LOG_LEVEL"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	limits := DefaultLimits()
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8787",
			Origin:  "http://localhost:3000",
			Timeout: Duration{30 * time.Second},
		},
		Cache: CacheConfig{
			Version:           "v1",
			Prefix:            DefaultNamespacePrefix,
			SeedPaths:         append([]string(nil), DefaultSeedPaths...),
			APIPrefix:         "/api/",
			StaticMaxEntries:  limits[NamespaceStatic].MaxEntries,
			DynamicMaxEntries: limits[NamespaceDynamic].MaxEntries,
			DynamicMaxAge:     Duration{limits[NamespaceDynamic].MaxAge},
			APIMaxEntries:     limits[NamespaceAPI].MaxEntries,
			APIMaxAge:         Duration{limits[NamespaceAPI].MaxAge},
		},
		Sync: SyncConfig{
			WorkoutEndpoint:   DefaultWorkoutEndpoint,
			AnalyticsEndpoint: DefaultAnalyticsEndpoint,
			PeriodicInterval:  Duration{24 * time.Hour},
			MaxAttempts:       5,
			RetryInitial:      Duration{30 * time.Second},
			RetryMax:          Duration{15 * time.Minute},
			ProbePath:         "/",
			ProbeInterval:     Duration{15 * time.Second},
		},
		Log: LogConfig{Format: "text", Level: "info"},
	}
}

// Limits returns the per-class cache limits.
func (c *Config) Limits() map[NamespaceClass]Limits {
	return map[NamespaceClass]Limits{
		NamespaceStatic:  {MaxEntries: c.Cache.StaticMaxEntries},
		NamespaceDynamic: {MaxEntries: c.Cache.DynamicMaxEntries, MaxAge: c.Cache.DynamicMaxAge.Duration},
		NamespaceAPI:     {MaxEntries: c.Cache.APIMaxEntries, MaxAge: c.Cache.APIMaxAge.Duration},
	}
}

// Validate reports configuration that cannot start a proxy.
func (c *Config) Validate() error {
	if c.Server.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "server.origin is required")
	}
	if c.Cache.Version == "" {
		return errors.New(errors.CodeInvalidConfig, "cache.version is required")
	}
	if strings.Contains(c.Cache.Prefix, "-") {
		return errors.New(errors.CodeInvalidConfig, "cache.prefix must not contain '-'")
	}
	if c.Sync.MaxAttempts < 0 {
		return errors.New(errors.CodeInvalidConfig, "sync.max_attempts must not be negative")
	}
	return nil
}

// ============================================================================
// Loading
// ============================================================================

// DefaultConfigDir returns ~/.fitsync.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".fitsync"), nil
}

// LoadConfig reads path over the defaults, then applies FITSYNC_* variables.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "cannot parse config %s", path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "cannot read config %s", path)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "parse env")
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML, creating the directory if needed.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// Set assigns a field using dot notation (e.g. "server.origin"). List
// fields take comma-separated values.
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "" || field == "" {
		return errors.New(errors.CodeInvalidInput, "key must use dot notation: section.field (e.g. server.origin)")
	}

	sv, ok := fieldByTag(reflect.ValueOf(c).Elem(), section)
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "unknown config section %q (valid: %s)",
			section, strings.Join(tagNames(reflect.TypeOf(*c)), ", "))
	}
	fv, ok := fieldByTag(sv, field)
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "unknown field %q in section [%s]", field, section)
	}
	if err := setField(fv, value); err != nil {
		return errors.Wrapf(err, errors.CodeInvalidInput, "invalid value for %s", key)
	}
	return nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func tagNames(t reflect.Type) []string {
	names := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		names = append(names, tag)
	}
	return names
}

func setField(v reflect.Value, value string) error {
	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(value))
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Slice:
		var items []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field kind %s", v.Kind())
	}
	return nil
}
