package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/richardartoul/filecache/pkg/config"
	"github.com/richardartoul/filecache/pkg/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "filecache",
	Short:         "Stage, promote and serve user-uploaded files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached copies and accept uploads over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var stageCmd = &cobra.Command{
	Use:   "stage <file>",
	Short: "Stage a local file and print its staging path",
	Args:  cobra.ExactArgs(1),
	RunE:  runStage,
}

var promoteCmd = &cobra.Command{
	Use:   "promote <staging-path>",
	Short: "Move a staged file into the backend and print its public path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(cmd, func(ctx context.Context, env *environment) error {
			publicPath, err := env.gateway.Promote(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), publicPath)
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <public-path>",
	Short: "Delete the content behind a public path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(cmd, func(ctx context.Context, env *environment) error {
			return env.gateway.Remove(ctx, args[0])
		})
	},
}

var ensureCmd = &cobra.Command{
	Use:   "ensure <public-path>",
	Short: "Regenerate the cached copy of a public path and print its location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(cmd, func(ctx context.Context, env *environment) error {
			content, err := env.gateway.Ensure(ctx, args[0])
			if err != nil {
				return err
			}
			cachePath, err := env.gateway.CachePath(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", cachePath, len(content))
			return nil
		})
	},
}

var (
	syncPrevious []string
	syncCurrent  []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile a previous and current file list and print the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(cmd, func(ctx context.Context, env *environment) error {
			res, err := env.synchronizer.Sync(ctx, syncPrevious, syncCurrent)
			if err != nil {
				return err
			}
			if err := printSyncResult(cmd, res); err != nil {
				return err
			}
			return res.Err()
		})
	},
}

var stageType string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	stageCmd.Flags().StringVar(&stageType, "type", "", "declared content type (detected from content when empty)")

	syncCmd.Flags().StringSliceVar(&syncPrevious, "previous", nil, "paths the record referenced when loaded")
	syncCmd.Flags().StringSliceVar(&syncCurrent, "current", nil, "paths the record references now")

	rootCmd.AddCommand(serveCmd, stageCmd, promoteCmd, removeCmd, ensureCmd, syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// environment holds everything built from the loaded configuration.
type environment struct {
	cfg          *config.Config
	logger       *slog.Logger
	gateway      *storage.Gateway
	synchronizer *storage.Synchronizer
	closeLog     func() error
}

func newEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	gateway, err := config.CreateGateway(ctx, cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	return &environment{
		cfg:          cfg,
		logger:       logger,
		gateway:      gateway,
		synchronizer: config.CreateSynchronizer(cfg, gateway, logger),
		closeLog:     closeLog,
	}, nil
}

func (env *environment) Close() error {
	return errors.Join(env.gateway.Close(), env.closeLog())
}

func withGateway(cmd *cobra.Command, fn func(ctx context.Context, env *environment) error) error {
	ctx := cmd.Context()
	env, err := newEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func runStage(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	contentType := stageType
	if contentType == "" {
		mt, err := mimetype.DetectReader(f)
		if err != nil {
			return fmt.Errorf("failed to detect content type: %w", err)
		}
		contentType = mt.String()
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind %s: %w", args[0], err)
		}
	}

	return withGateway(cmd, func(ctx context.Context, env *environment) error {
		stagingPath, err := env.gateway.Stage(ctx, storage.Upload{
			Filename:    filepath.Base(args[0]),
			ContentType: contentType,
			Body:        f,
		}, env.cfg.Storage.UploadTypes())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), stagingPath)
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := newEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	srvCfg := env.cfg.Server
	httpServer := &http.Server{
		Addr:         srvCfg.ListenAddr,
		Handler:      NewServer(env.gateway, env.cfg.Storage.UploadTypes(), srvCfg.MaxUploadSize, env.logger),
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		env.logger.Info("listening",
			"addr", srvCfg.ListenAddr,
			"cache_root", env.cfg.Storage.CacheRoot,
			"backend", env.cfg.Backend.Type)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		env.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
	}

	for _, st := range env.gateway.Stats() {
		env.logger.Info("latency",
			"operation", st.Operation,
			"count", st.Count,
			"errors", st.Errors,
			"p50_ms", st.P50,
			"p99_ms", st.P99,
			"max_ms", st.Max)
	}
	return nil
}

func printSyncResult(cmd *cobra.Command, res storage.SyncResult) error {
	errs := make(map[string]string, len(res.Errors))
	for p, err := range res.Errors {
		errs[p] = err.Error()
	}
	out := struct {
		Files   map[string]string `json:"files"`
		Removed []string          `json:"removed"`
		Ignored []string          `json:"ignored,omitempty"`
		Errors  map[string]string `json:"errors,omitempty"`
	}{
		Files:   res.Files,
		Removed: res.Removed,
		Ignored: res.Ignored,
		Errors:  errs,
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
