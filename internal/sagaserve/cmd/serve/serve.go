// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//


package serve

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/sagaflow/internal/sagaserve"
	"github.com/innovationmech/sagaflow/internal/sagaserve/config"
	"github.com/innovationmech/sagaflow/internal/sagaserve/deps"
	pkgconfig "github.com/innovationmech/sagaflow/pkg/config"
	"github.com/innovationmech/sagaflow/pkg/logger"
)

const reloadDebounce = 500 * time.Millisecond

// NewServeCmd creates a new serve command.
func NewServeCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sagaflow server",
		Long: `Start the saga engine with its HTTP control API.

Configuration is read from sagaflow.yaml, sagaflow.<SAGAFLOW_ENV>.yaml and
sagaflow.override.yaml in the config directory, then from SAGAFLOW_* variables.
The log level follows edits to those files without a restart.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runServer(ctx, configDir)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config-dir", "c", ".", "directory holding the sagaflow configuration files")
	return cmd
}

// runServer runs the server until ctx is cancelled or the listener fails.
func runServer(ctx context.Context, configDir string) error {
	cfg, manager, err := config.LoadDir(configDir)
	if err != nil {
		logger.GetLogger().Error("Failed to load configuration", zap.Error(err))
		return err
	}
	if err := logger.Configure(logger.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development}); err != nil {
		return err
	}
	log := logger.GetLogger()
	log.Info("Starting sagaflow server...", zap.Strings("config_files", manager.Files()))

	d, err := deps.NewDependencies(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize dependencies", zap.Error(err))
		return err
	}
	srv, err := sagaserve.NewServer(d)
	if err != nil {
		_ = d.Close(context.Background())
		log.Error("Failed to create server", zap.Error(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := srv.Start(gctx); err != nil {
		log.Error("Failed to start server", zap.Error(err))
		_ = srv.Stop(context.Background())
		return err
	}

	g.Go(func() error {
		watchConfig(gctx, manager, log)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-srv.Errors():
			return err
		}
	})

	runErr := g.Wait()
	if runErr == nil {
		log.Info("Shutdown signal received, stopping server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	log.Info("Server shutdown complete")
	return runErr
}

// watchConfig applies logging.level changes until ctx is done. Other
// settings need a restart.
func watchConfig(ctx context.Context, manager *pkgconfig.Manager, log *zap.Logger) {
	changes, err := manager.Watch(ctx, reloadDebounce)
	if err != nil {
		log.Debug("config watcher not started", zap.Error(err))
		return
	}
	for change := range changes {
		if change.Err != nil {
			log.Warn("config reload error", zap.Error(change.Err))
			continue
		}
		applyLogLevel(change.Settings, log)
	}
}

func applyLogLevel(settings map[string]interface{}, log *zap.Logger) {
	section, ok := settings["logging"].(map[string]interface{})
	if !ok {
		return
	}
	level, ok := section["level"].(string)
	if !ok || level == "" || level == logger.GetLevel() {
		return
	}
	if err := logger.SetLevel(level); err != nil {
		log.Warn("apply log level failed", zap.Error(err))
		return
	}
	log.Info("log level updated via hot-reload", zap.String("level", logger.GetLevel()))
}
