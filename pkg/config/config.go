package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/richardartoul/filecache/pkg/naming"
)

// Config represents the complete filecache configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FILECACHE_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Backend configuration follows a type + per-type options pattern: only the
// options map matching Backend.Type is decoded.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Backend BackendConfig `mapstructure:"backend"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig configures the HTTP serving endpoint.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`

	// MaxUploadSize bounds the request body accepted by the upload route.
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gt=0"`
}

// StorageConfig holds the naming and cache layout options. They are fixed
// for the lifetime of the process.
type StorageConfig struct {
	// MountPrefix is prepended to every logical path when the application is
	// served from a subdirectory, e.g. "/app".
	MountPrefix string `mapstructure:"mount_prefix" validate:"omitempty,startswith=/,endsnotwith=/"`

	PublicRoot  string `mapstructure:"public_root" validate:"required,startswith=/,endsnotwith=/"`
	StagingRoot string `mapstructure:"staging_root" validate:"required,startswith=/,endsnotwith=/"`

	// CacheRoot is the web-servable directory holding staged uploads and
	// cached copies.
	CacheRoot string `mapstructure:"cache_root" validate:"required"`

	// AllowedTypes restricts uploads to these declared types. Empty means
	// any type is accepted.
	AllowedTypes []string `mapstructure:"allowed_types"`

	// Locking selects how concurrent cache writes to one path are serialized.
	// Valid values: none, memory, flock
	Locking string `mapstructure:"locking" validate:"required,oneof=none memory flock"`

	// LockDir holds lock files when Locking is flock.
	LockDir string `mapstructure:"lock_dir"`

	// Strict rejects record file lists containing paths outside the staging
	// and public namespaces instead of ignoring them.
	Strict bool `mapstructure:"strict"`
}

// Codec returns the naming codec for this storage layout.
func (c StorageConfig) Codec() naming.Codec {
	return naming.NewCodec(c.MountPrefix, c.PublicRoot, c.StagingRoot)
}

// UploadTypes returns the allow list to pass to Stage, nil when any type is
// accepted.
func (c StorageConfig) UploadTypes() []string {
	if len(c.AllowedTypes) == 0 {
		return nil
	}
	return c.AllowedTypes
}

// BackendConfig selects the durable content store.
type BackendConfig struct {
	// Type specifies which backend implementation to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3"`

	// Debug wraps the backend with debug logging.
	Debug bool `mapstructure:"debug"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// MetricsConfig configures the latency tracker.
type MetricsConfig struct {
	RelativeAccuracy float64 `mapstructure:"relative_accuracy" validate:"gt=0,lt=1"`
}

// envKeys lists the scalar keys that can be overridden from the environment.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.listen_addr",
	"server.shutdown_timeout",
	"server.read_timeout",
	"server.write_timeout",
	"server.max_upload_size",
	"storage.mount_prefix",
	"storage.public_root",
	"storage.staging_root",
	"storage.cache_root",
	"storage.allowed_types",
	"storage.locking",
	"storage.lock_dir",
	"storage.strict",
	"backend.type",
	"backend.debug",
	"metrics.relative_accuracy",
}

// Load loads configuration from file, environment, and defaults, then
// validates it. An empty configPath searches the default location; a missing
// config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: FILECACHE_STORAGE_CACHE_ROOT=/var/www
	v.SetEnvPrefix("FILECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		// BindEnv only fails when no key is given.
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(GetConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// GetConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "filecache")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "filecache")
}
