// Package config loads fleetingd's settings from an optional YAML file and
// FLEETING_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"impractical.co/fleeting/redisindex"
	"yall.in"
)

// EnvPrefix namespaces the environment variables Load reads. The key
// reconcile.grace is read from FLEETING_RECONCILE_GRACE.
const EnvPrefix = "FLEETING"

const (
	IndexBackendFile  = "file"
	IndexBackendRedis = "redis"
)

// Config is everything fleetingd can be configured with.
type Config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`
	BaseURL  string `mapstructure:"base_url"`

	UploadDir      string   `mapstructure:"upload_dir"`
	MaxFiles       int      `mapstructure:"max_files"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
	AcceptedMIMEs  []string `mapstructure:"accepted_mimes"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	MaxTTL              time.Duration `mapstructure:"max_ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	AbortOnCorruptIndex bool          `mapstructure:"abort_on_corrupt_index"`

	Reconcile ReconcileConfig   `mapstructure:"reconcile"`
	Index     IndexConfig       `mapstructure:"index"`
	Redis     redisindex.Config `mapstructure:"redis"`
}

// ReconcileConfig controls the orphan cleanup that can follow each sweep.
type ReconcileConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Grace   time.Duration `mapstructure:"grace"`
}

// IndexConfig picks where the file index is persisted.
type IndexConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

var defaults = map[string]any{
	"listen":                 ":3000",
	"log_level":              "info",
	"base_url":               "",
	"upload_dir":             "./uploads",
	"max_files":              10,
	"max_upload_bytes":       0,
	"accepted_mimes":         []string{},
	"allowed_origins":        []string{"https://quickmediashare.netlify.app", "http://127.0.0.1:5500"},
	"max_ttl":                "720h",
	"sweep_interval":         "10m",
	"abort_on_corrupt_index": false,
	"reconcile.enabled":      false,
	"reconcile.grace":        "1h",
	"index.backend":          IndexBackendFile,
	"index.path":             "./fileMetadata.json",
	"redis.addr":             "",
	"redis.password":         "",
	"redis.db":               0,
	"redis.key":              "",
}

// Load reads the configuration from path, if it's not empty, and the
// environment, with environment variables taking precedence.
func Load(path string) (Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs is Load, reading path from fs.
func LoadFs(fs afero.Fs, path string) (Config, error) {
	v := viper.New()
	v.SetFs(fs)
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":3000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UploadDir == "" {
		c.UploadDir = "./uploads"
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.Reconcile.Grace <= 0 {
		c.Reconcile.Grace = time.Hour
	}
	if c.Index.Backend == "" {
		c.Index.Backend = IndexBackendFile
	}
	if c.Index.Path == "" {
		c.Index.Path = "./fileMetadata.json"
	}
	c.AcceptedMIMEs = splitList(c.AcceptedMIMEs)
	c.AllowedOrigins = splitList(c.AllowedOrigins)
	if c.Index.Backend == IndexBackendRedis {
		c.Redis.ApplyDefaults()
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("max_upload_bytes must not be negative"))
	}
	if c.MaxTTL < 0 {
		errs = append(errs, errors.New("max_ttl must not be negative"))
	}
	if c.BaseURL != "" && !hasHTTPScheme(c.BaseURL) {
		errs = append(errs, fmt.Errorf("base_url must start with http:// or https:// (got: %s)", c.BaseURL))
	}
	for _, origin := range c.AllowedOrigins {
		if origin != "*" && !hasHTTPScheme(origin) {
			errs = append(errs, fmt.Errorf("allowed_origins entries must be * or start with http:// or https:// (got: %s)", origin))
		}
	}
	switch c.Index.Backend {
	case IndexBackendFile:
	case IndexBackendRedis:
		if err := c.Redis.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("index.backend must be one of [%s, %s] (got: %s)", IndexBackendFile, IndexBackendRedis, c.Index.Backend))
	}
	return errors.Join(errs...)
}

// ParseLevel returns the logging severity named by level.
func ParseLevel(level string) (yall.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return yall.Debug, nil
	case "info":
		return yall.Info, nil
	case "error":
		return yall.Error, nil
	}
	return yall.Info, fmt.Errorf("log_level must be one of [debug, info, error] (got: %s)", level)
}

func hasHTTPScheme(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// splitList accepts lists written as one comma-separated string, the only
// way to give a list in an environment variable.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
