package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/config"
	"github.com/obot-platform/mcprunner/server/internal/database"
	"github.com/obot-platform/mcprunner/server/internal/handler"
	"github.com/obot-platform/mcprunner/server/internal/isolation"
	"github.com/obot-platform/mcprunner/server/internal/logger"
	"github.com/obot-platform/mcprunner/server/internal/middleware"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/proxy"
	"github.com/obot-platform/mcprunner/server/internal/sandbox/docker"
	"github.com/obot-platform/mcprunner/server/internal/scheduler"
	"github.com/obot-platform/mcprunner/server/internal/service"
	"github.com/obot-platform/mcprunner/server/internal/store"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	httpShutdownTimeout    = 10 * time.Second
	cleanupTimeout         = 2 * time.Minute
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.APIKey == "" {
		cfg.APIKey = generateAPIKey()
		log.Warn("No API key configured, generated one for this run; set MCPRUNNER_API_KEY to keep it stable",
			zap.String("api_key", cfg.APIKey))
	}

	db, err := database.New(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	log.Info("Database ready", zap.String("driver", db.Driver))

	runtime, err := docker.NewProvider(cfg.DockerHost, log)
	if err != nil {
		return err
	}
	defer runtime.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()
	if err := runtime.Ping(startupCtx); err != nil {
		return err
	}

	users := isolation.NewExecUserManager(cfg.UserCommandPrefix, log)
	provisioner := isolation.NewProvisioner(users, runtime, cfg.NetworkMTU, log)
	deployments := service.NewDeploymentService(store.New(db.DB), runtime, provisioner, cfg, log)

	if err := deployments.Reconcile(startupCtx); err != nil {
		log.Warn("Failed to reconcile containers with the store", zap.Error(err))
	}

	sseSessions := proxy.NewRegistry("sse")
	streamableSessions := proxy.NewRegistry(string(model.TransportStreamableHTTP))

	sched := scheduler.New(deployments, cfg.SchedulerInterval, log, sseSessions, streamableSessions)
	sched.Start()

	limiter := middleware.NewFailureLimiter()
	stopLimiter := make(chan struct{})
	go limiter.Run(limiterCleanupInterval, stopLimiter)

	h := handler.New(deployments, proxy.NewClientFactory(runtime, log), sseSessions, streamableSessions, cfg, log,
		handler.HealthCheck{Name: "database", Check: db.Ping},
		handler.HealthCheck{Name: "docker", Check: runtime.Ping},
	)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h.Router(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// SIGTERM and SIGINT stop deployments gracefully; SIGHUP kills them.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(signals)

	graceful := true
	select {
	case sig := <-signals:
		graceful = sig != syscall.SIGHUP
		log.Info("Shutting down", zap.String("signal", sig.String()), zap.Bool("graceful", graceful))
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	sched.Stop()
	close(stopLimiter)

	// Session streams hold requests open; close them before draining HTTP.
	sseSessions.CloseAll()
	streamableSessions.CloseAll()

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancelCleanup()
	if err := deployments.Shutdown(cleanupCtx, graceful); err != nil {
		log.Error("Deployment cleanup incomplete", zap.Error(err))
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

func generateAPIKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
