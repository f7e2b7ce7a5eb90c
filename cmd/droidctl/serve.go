package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kandev/droidctl/internal/api"
	"github.com/kandev/droidctl/internal/events"
	"go.uber.org/zap"
)

func serveCommand(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "directory containing droidctl.yaml")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, *configPath, extraExecOptions...)
	if err != nil {
		fmt.Fprintf(stderr, "droidctl serve: %v\n", err)
		return exitFailed
	}
	log := a.log

	provided, closeBus, err := events.Provide(a.cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		a.close(context.Background())
		return exitFailed
	}
	detach := events.Bridge(a.manager, provided.Bus, a.cfg.NATS.SubjectPrefix, a.manager.MachineID(), log)

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(a.manager, func() map[string]bool {
		return map[string]bool{"event_bus": provided.Bus.IsConnected()}
	}, log)

	server := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  a.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: a.cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("droidctl API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("shutting down droidctl")
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			code = exitFailed
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeouts.TerminateGrace+a.cfg.Timeouts.Settle+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	a.close(shutdownCtx)
	detach()
	closeBus()
	return code
}
