// Package main provides the narrative runtime's standalone binary:
// a turn-cycle driver plus the metrics/health HTTP surface described
// by config.ServerConfig.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	agentflow "github.com/agentflow/narrative-runtime"
	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/server"
)

// Server drives the embedded Runtime's turn cycle on a fixed tick and
// exposes its metrics/health surface on a second port, per
// config.ServerConfig.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	rt         *agentflow.Runtime

	metricsManager   *server.Manager
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	turnCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer builds a Server around an already-constructed Runtime.
// configPath is the YAML file the config hot-reload manager watches;
// an empty path disables file-driven reload (UpdateField still works).
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, rt *agentflow.Runtime) *Server {
	return &Server{cfg: cfg, configPath: configPath, logger: logger, rt: rt}
}

// Start begins the turn-cycle loop, config hot reload, and the
// metrics server, all non-blocking.
func (s *Server) Start() error {
	s.initHotReloadManager()

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	s.startTurnLoop()

	s.logger.Info("narrative runtime started",
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// initHotReloadManager starts watching configPath (if set) for
// changes and exposes the live config over the metrics mux's
// /api/v1/config routes. Turn-cycle and component config is read once
// at Runtime construction, so a live reload affects only the fields a
// host reads back via hotReloadManager.GetConfig() itself; it never
// mutates the running Runtime's components in place.
func (s *Server) initHotReloadManager() {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}
	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("config field changed",
			zap.String("path", change.Path),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})
	s.hotReloadManager.OnReload(func(oldCfg, newCfg *config.Config) {
		s.logger.Info("config reloaded from file")
	})

	if s.configPath != "" {
		if err := s.hotReloadManager.Start(context.Background()); err != nil {
			s.logger.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)
}

// startTurnLoop drives RunTurn on the budget meter's MaxTurnTime
// cadence until Shutdown is called. A host that wants external
// control over turn timing should drive rt.RunTurn itself instead of
// using this loop.
func (s *Server) startTurnLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.turnCancel = cancel

	interval := s.cfg.Budget.MaxTurnTime
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		turn := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				turn++
				result := s.rt.RunTurn(ctx, turn)
				s.logger.Debug("turn completed",
					zap.Int("turn", turn),
					zap.Int("agents", result.Performance.AgentCount),
					zap.Int("failed_agents", result.Performance.FailedAgents),
				)
			}
		}
	}()
}

// startMetricsServer serves Prometheus metrics and a liveness probe
// on config.Server.MetricsPort.
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
	}

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a shutdown signal or server error,
// then shuts down gracefully.
func (s *Server) WaitForShutdown() {
	if s.metricsManager != nil {
		s.metricsManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the turn loop, the metrics server, and the Runtime.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.wg.Wait()

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("hot reload manager stop error", zap.Error(err))
		}
	}

	ctx := context.Background()
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if err := s.rt.Close(); err != nil {
		s.logger.Error("runtime close error", zap.Error(err))
	}

	s.logger.Info("graceful shutdown completed")
}
