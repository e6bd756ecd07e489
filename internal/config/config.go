// Package config loads fieldsync configuration from file and environment.
package config

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_SYNC_INTERVAL.
const EnvPrefix = "FIELDSYNC"

// Conflict resolution strategies.
const (
	StrategyClientWins = "client-wins"
	StrategyServerWins = "server-wins"
	StrategyMerge      = "merge"
	StrategyManual     = "manual"
)

// Missing-timestamp policies.
const (
	MissingTimestampsIgnore   = "ignore"
	MissingTimestampsConflict = "conflict"
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	InstanceID string           `mapstructure:"instance_id"`
	Listen     string           `mapstructure:"listen"`
	Log        LogConfig        `mapstructure:"log"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Resources  []ResourceConfig `mapstructure:"resources"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// RemoteConfig describes the authoritative remote store.
type RemoteConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Schema       string        `mapstructure:"schema"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// SyncConfig holds orchestrator and queue settings.
type SyncConfig struct {
	Interval                 time.Duration `mapstructure:"interval"`
	BatchSize                int           `mapstructure:"batch_size"`
	MaxRetries               int           `mapstructure:"max_retries"`
	RecentErrors             int           `mapstructure:"recent_errors"`
	Strategy                 string        `mapstructure:"strategy"`
	EscalateExhaustedRetries bool          `mapstructure:"escalate_exhausted_retries"`
}

// ResourceConfig declares the rules for one resource type.
type ResourceConfig struct {
	Name              string   `mapstructure:"name"`
	UniqueFields      []string `mapstructure:"unique_fields"`
	TimestampField    string   `mapstructure:"timestamp_field"`
	ImmutableFields   []string `mapstructure:"immutable_fields"`
	MissingTimestamps string   `mapstructure:"missing_timestamps"`
}

// DefaultResources returns the resource types known out of the box.
func DefaultResources() []ResourceConfig {
	return []ResourceConfig{
		{Name: "contacts", UniqueFields: []string{"email", "phone"}},
		{Name: "campaigns"},
		{Name: "events"},
		{Name: "pathways"},
	}
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	cfg := &Config{
		DataDir: "./data",
		Listen:  "127.0.0.1:8090",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Remote: RemoteConfig{
			Schema:       "public",
			PingInterval: 15 * time.Second,
		},
		Sync: SyncConfig{
			Interval:     30 * time.Second,
			BatchSize:    10,
			MaxRetries:   5,
			RecentErrors: 10,
			Strategy:     StrategyClientWins,
		},
		Resources: DefaultResources(),
	}
	cfg.applyResourceDefaults()
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("instance_id", "")
	v.SetDefault("listen", d.Listen)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.schema", d.Remote.Schema)
	v.SetDefault("remote.ping_interval", d.Remote.PingInterval)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.recent_errors", d.Sync.RecentErrors)
	v.SetDefault("sync.strategy", d.Sync.Strategy)
	v.SetDefault("sync.escalate_exhausted_retries", d.Sync.EscalateExhaustedRetries)
}

// New returns a viper instance with defaults, search paths and env binding set.
// An explicit file path takes precedence over the search paths.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("fieldsync")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("$HOME", ".fieldsync"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from file (or the search paths) and the
// environment, then validates it. A missing config file is not an error.
func Load(file string) (*Config, error) {
	v := New(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !stderrors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode config", err)
	}
	if len(cfg.Resources) == 0 {
		cfg.Resources = DefaultResources()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New()
	}
	cfg.applyResourceDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyResourceDefaults() {
	for i := range c.Resources {
		r := &c.Resources[i]
		if r.TimestampField == "" {
			r.TimestampField = "updated_at"
		}
		if len(r.ImmutableFields) == 0 {
			r.ImmutableFields = []string{"id", "created_at"}
		}
		if r.MissingTimestamps == "" {
			r.MissingTimestamps = MissingTimestampsIgnore
		}
	}
}

// Validate reports the first invalid setting as an INVALID_INPUT error.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch c.Sync.Strategy {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
	default:
		return invalid("unknown sync strategy %q", c.Sync.Strategy)
	}
	if c.Sync.BatchSize <= 0 {
		return invalid("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return invalid("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.Interval <= 0 {
		return invalid("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.RecentErrors <= 0 {
		return invalid("sync.recent_errors must be positive, got %d", c.Sync.RecentErrors)
	}
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}

	seen := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if r.Name == "" {
			return invalid("resource name is required")
		}
		if seen[r.Name] {
			return invalid("duplicate resource %q", r.Name)
		}
		seen[r.Name] = true
		switch r.MissingTimestamps {
		case MissingTimestampsIgnore, MissingTimestampsConflict:
		default:
			return invalid("resource %q: unknown missing_timestamps policy %q", r.Name, r.MissingTimestamps)
		}
	}
	return nil
}

// Resource returns the rules for name.
func (c *Config) Resource(name string) (ResourceConfig, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceConfig{}, false
}

// ResourceNames lists configured resource types in declaration order.
func (c *Config) ResourceNames() []string {
	names := make([]string, len(c.Resources))
	for i, r := range c.Resources {
		names[i] = r.Name
	}
	return names
}
