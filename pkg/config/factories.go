package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/richardartoul/filecache/backends"
	"github.com/richardartoul/filecache/pkg/locking"
	"github.com/richardartoul/filecache/pkg/metrics"
	"github.com/richardartoul/filecache/pkg/storage"
)

// CreateBackend creates the backend selected by cfg.Type.
//
// Supported backend types:
//   - "filesystem": sharded directory tree on local disk
//   - "memory": in-process map, content is lost on exit
//   - "s3": Amazon S3 or a compatible object store
func CreateBackend(ctx context.Context, cfg *BackendConfig, logger *slog.Logger) (backends.Backend, error) {
	var (
		backend backends.Backend
		err     error
	)
	switch cfg.Type {
	case "filesystem":
		backend, err = createFSBackend(cfg.Filesystem)
	case "memory":
		backend = backends.NewMemory()
	case "s3":
		backend, err = createS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Debug {
		backend = backends.NewDebug(backend, logger)
	}
	return backend, nil
}

func createFSBackend(options map[string]any) (backends.Backend, error) {
	type FSBackendConfig struct {
		Path string `mapstructure:"path"`
	}

	var fsCfg FSBackendConfig
	if err := mapstructure.Decode(options, &fsCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem backend config: %w", err)
	}
	if fsCfg.Path == "" {
		return nil, fmt.Errorf("filesystem backend: path is required")
	}

	backend, err := backends.NewFS(fsCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem backend: %w", err)
	}
	return backend, nil
}

// S3BackendConfig holds the options accepted under backend.s3.
type S3BackendConfig struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

func decodeS3Options(options map[string]any) (S3BackendConfig, error) {
	var s3Cfg S3BackendConfig
	if err := mapstructure.Decode(options, &s3Cfg); err != nil {
		return s3Cfg, fmt.Errorf("failed to decode S3 backend config: %w", err)
	}
	if s3Cfg.Bucket == "" {
		return s3Cfg, fmt.Errorf("S3 backend: bucket is required")
	}
	if s3Cfg.Region == "" {
		return s3Cfg, fmt.Errorf("S3 backend: region is required")
	}
	if s3Cfg.MaxRetries == 0 {
		s3Cfg.MaxRetries = 10
	}
	return s3Cfg, nil
}

func createS3Backend(ctx context.Context, options map[string]any) (backends.Backend, error) {
	s3Cfg, err := decodeS3Options(options)
	if err != nil {
		return nil, err
	}

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(s3Cfg.Region),
		awsConfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = s3Cfg.MaxRetries
			})
		}),
	}

	// Static credentials if provided, otherwise the default credential chain.
	if s3Cfg.AccessKeyID != "" && s3Cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3Cfg.AccessKeyID, s3Cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing.
		if s3Cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3Cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	backend, err := backends.NewS3(ctx, backends.S3Config{
		Client:    client,
		Bucket:    s3Cfg.Bucket,
		KeyPrefix: s3Cfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 backend: %w", err)
	}
	return backend, nil
}

// CreateLockGroup creates the cache write lock group selected by cfg.Locking.
func CreateLockGroup(cfg *StorageConfig) (locking.Group, error) {
	switch cfg.Locking {
	case "", "none":
		return locking.NewNoOpGroup(), nil
	case "memory":
		return locking.NewMemLock(), nil
	case "flock":
		group, err := locking.NewFlockGroup(cfg.LockDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create flock group: %w", err)
		}
		return group, nil
	default:
		return nil, fmt.Errorf("unknown locking mode: %q", cfg.Locking)
	}
}

// CreateGateway wires the backend, lock group and latency tracker described
// by cfg into a storage gateway.
func CreateGateway(ctx context.Context, cfg *Config, logger *slog.Logger) (*storage.Gateway, error) {
	backend, err := CreateBackend(ctx, &cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	locks, err := CreateLockGroup(&cfg.Storage)
	if err != nil {
		return nil, err
	}

	return storage.NewGateway(storage.GatewayConfig{
		Codec:     cfg.Storage.Codec(),
		CacheRoot: cfg.Storage.CacheRoot,
		Backend:   backend,
		Locks:     locks,
		Tracker:   metrics.NewLatencyTracker(cfg.Metrics.RelativeAccuracy),
		Logger:    logger,
	})
}

// CreateSynchronizer builds a synchronizer over gateway honoring
// storage.strict.
func CreateSynchronizer(cfg *Config, gateway *storage.Gateway, logger *slog.Logger) *storage.Synchronizer {
	s := storage.NewSynchronizer(gateway, gateway.Codec(), logger)
	s.Strict = cfg.Storage.Strict
	return s
}
