package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/richardartoul/filecache/pkg/naming"
)

// ApplyDefaults fills in zero-valued fields with their defaults. Explicit
// values, including those from the environment, are never overwritten.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyBackendDefaults(&cfg.Backend)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 32 << 20
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.PublicRoot == "" {
		cfg.PublicRoot = naming.DefaultPublicRoot
	}
	if cfg.StagingRoot == "" {
		cfg.StagingRoot = naming.DefaultStagingRoot
	}
	if cfg.CacheRoot == "" {
		cfg.CacheRoot = "./web"
	}
	if cfg.Locking == "" {
		cfg.Locking = "none"
	}
	if cfg.Locking == "flock" && cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(os.TempDir(), "filecache-locks")
	}
}

func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.Type == "filesystem" {
		if cfg.Filesystem == nil {
			cfg.Filesystem = make(map[string]any)
		}
		if _, ok := cfg.Filesystem["path"]; !ok {
			cfg.Filesystem["path"] = "./data"
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.RelativeAccuracy == 0 {
		cfg.RelativeAccuracy = 0.01
	}
}
