package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kandev/droidctl/internal/common/config"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/tracing"
	"go.uber.org/zap"
)

// app holds the shared infrastructure both commands start from.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *droidexec.Manager
}

func newApp(ctx context.Context, configPath string, opts ...droidexec.Option) (*app, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	hostname, _ := os.Hostname()
	opts = append([]droidexec.Option{droidexec.WithLogger(log)}, opts...)
	return &app{
		cfg:     cfg,
		log:     log,
		manager: droidexec.NewManager(cfg.ExecConfig(hostname), opts...),
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.manager.Close(ctx); err != nil {
		a.log.Warn("exec manager close", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Debug("tracing shutdown", zap.Error(err))
	}
	_ = a.log.Sync()
}
