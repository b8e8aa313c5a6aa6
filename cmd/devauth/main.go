package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapy/snapy/backend/go-session/internal/config"
	"github.com/snapy/snapy/backend/go-session/internal/devauth"
	"github.com/snapy/snapy/backend/go-session/pkg/logger"
	"github.com/snapy/snapy/backend/go-session/pkg/metrics"
)

func main() {
	// LOG_LEVEL: debug|info|warn|error|fatal
	logger.Init(os.Getenv("LOG_LEVEL"))
	logger.Debugf("startup: LOG_LEVEL=%s", logger.LevelString())

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if cfg.IsProduction() {
		logger.Fatalf("devauth is a development server; refusing to start with APP_ENV=%s", cfg.Environment)
	}
	if logger.LevelString() != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	deps, cleanup, err := devauth.Build(rootCtx, cfg)
	if err != nil {
		logger.Fatalf("failed to initialize dev auth server: %v", err)
	}
	defer cleanup()

	metrics.RegisterServerCollectors(prometheus.DefaultRegisterer)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           devauth.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	logger.Infof("config summary: mongo=%v redis=%v jwt_secret_set=%v rate_limit=%v",
		cfg.MongoDB.URI != "", deps.Redis != nil, cfg.JWT.Secret != "", cfg.RateLimit.Enabled)
	logger.Infof("starting dev auth server on %s (API base http://%s/api)", addr, addr)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Infof("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Errorf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown incomplete: %v", err)
	}
	logger.Infof("dev auth server stopped")
}
