/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package server is the dispatcher: it accepts JSON-RPC over HTTP, resolves
// sessions, routes MCP methods and streams tool execution over SSE.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/PivotLLM/Conduit/config"
	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
	"github.com/PivotLLM/Conduit/runner"
	"github.com/PivotLLM/Conduit/session"
	"github.com/PivotLLM/Conduit/tools"
)

const shutdownTimeout = 10 * time.Second

// Server wires sessions, the execution engine and the tool catalog to HTTP
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	bus      *events.Bus
	registry *session.Registry
	runner   *runner.Runner
	catalog  *tools.Catalog

	production         bool
	endpoint           string
	keepAlive          time.Duration
	cancelOnDisconnect bool
	workingDir         string
	started            time.Time

	channels   sync.Map // session id -> *pushChannel
	quit       chan struct{}
	quitOnce   sync.Once
	handler    http.Handler
	httpServer *http.Server
}

// New creates a new server instance
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	bus := events.NewBus(events.WithLogger(logger))

	sessCfg := cfg.Sessions()
	rateCfg := cfg.RateLimit()
	registry := session.NewRegistry(
		session.WithDefaults(session.Config{
			MaxConcurrent:     sessCfg.MaxConcurrent,
			IdleTimeout:       sessCfg.IdleTimeout,
			HistoryLimit:      session.Disabled(sessCfg.HistoryLimit),
			RateLimitRequests: session.Disabled(rateCfg.MaxRequests),
			RateLimitPeriod:   rateCfg.Period,
		}),
		session.WithSweepInterval(sessCfg.SweepInterval),
		session.WithBus(bus),
		session.WithLogger(logger),
	)

	execCfg := cfg.Execution()
	runnerService := runner.New(bus, logger,
		runner.WithTimeout(execCfg.Timeout),
		runner.WithGracePeriod(execCfg.GracePeriod),
		runner.WithMaxOutputBytes(execCfg.MaxOutputBytes),
		runner.WithResultCache(execCfg.ResultCacheSize, execCfg.ResultTTL),
	)

	srv := &Server{
		config:             cfg,
		logger:             logger,
		bus:                bus,
		registry:           registry,
		runner:             runnerService,
		catalog:            tools.NewCatalog(logger),
		production:         cfg.Server().Production,
		endpoint:           cfg.Server().Endpoint,
		keepAlive:          cfg.Streaming().KeepAlive,
		cancelOnDisconnect: cfg.Streaming().CancelOnDisconnect,
		workingDir:         execCfg.WorkingDir,
		started:            time.Now(),
		quit:               make(chan struct{}),
	}

	if err := srv.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	srv.handler = srv.routes()
	srv.httpServer = &http.Server{
		Addr:              cfg.Server().Listen,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

// registerTools registers the built-in tools and any manifest tools
func (s *Server) registerTools() error {
	err := tools.RegisterBuiltins(s.catalog, tools.BuiltinOptions{
		AllowShell: s.config.Execution().AllowShell,
		WorkingDir: s.workingDir,
		Health:     func() any { return s.health() },
		Started:    s.started,
	})
	if err != nil {
		return err
	}

	if path := s.config.ToolManifest(); path != "" {
		manifest, err := tools.LoadManifest(path)
		if err != nil {
			return err
		}
		if err := manifest.Register(s.catalog); err != nil {
			return err
		}
		s.logger.Infof("Loaded %d tools from %s", len(manifest.Tools), path)
	}

	s.logger.Infof("Tool catalog ready: %d tools", s.catalog.Len())
	return nil
}

// Handler returns the HTTP handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Catalog returns the tool catalog
func (s *Server) Catalog() *tools.Catalog {
	return s.catalog
}

// Run serves HTTP until a shutdown signal or a server error
func (s *Server) Run() error {
	if lockPath := s.config.Server().LockFile; lockPath != "" {
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", lockPath, err)
		}
		if !locked {
			return fmt.Errorf("another instance holds %s", lockPath)
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				s.logger.Warnf("Failed to release lock %s: %v", lockPath, err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.registry.Start(ctx)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.ListenAndServe()
	}()

	s.logger.Infof("%s listening on %s (endpoint %s)", global.ProgramName, s.httpServer.Addr, s.endpoint)

	select {
	case sig := <-sigChan:
		s.logger.Infof("Shutdown signal received (%s)", sig)
		s.Shutdown()
		s.logger.Info("Server stopped")
		return nil

	case err := <-errChan:
		s.Shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Server error: %v", err)
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// Shutdown stops the sweeper, closes streams, drains HTTP, terminates every
// session and kills remaining executions
func (s *Server) Shutdown() {
	s.registry.Stop()
	s.quitOnce.Do(func() { close(s.quit) })

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warnf("HTTP shutdown: %v", err)
	}

	s.registry.Shutdown()
	if s.runner.IsRunning() {
		s.logger.Infof("Stopping %d active executions", s.runner.ActiveCount())
	}
	s.runner.Cleanup()

	// Flush logs before exiting
	if err := s.logger.Sync(); err != nil {
		s.logger.Warnf("Failed to flush logs on shutdown: %v", err)
	}
}

// healthReport is served on /health and by the server_health tool
type healthReport struct {
	Status           string                `json:"status"`
	Server           string                `json:"server"`
	Version          string                `json:"version"`
	Uptime           string                `json:"uptime"`
	Goroutines       int                   `json:"goroutines"`
	HeapAllocBytes   uint64                `json:"heapAllocBytes"`
	HeapSysBytes     uint64                `json:"heapSysBytes"`
	Sessions         session.RegistryStats `json:"sessions"`
	PushChannels     int                   `json:"pushChannels"`
	ActiveExecutions int                   `json:"activeExecutions"`
	CachedResults    int                   `json:"cachedResults"`
	Tools            int                   `json:"tools"`
	Subscribers      int                   `json:"subscribers"`
}

func (s *Server) health() healthReport {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	channels := 0
	s.channels.Range(func(_, _ any) bool {
		channels++
		return true
	})

	return healthReport{
		Status:           "ok",
		Server:           global.ProgramName,
		Version:          global.Version,
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		Goroutines:       runtime.NumGoroutine(),
		HeapAllocBytes:   mem.HeapAlloc,
		HeapSysBytes:     mem.HeapSys,
		Sessions:         s.registry.Stats(),
		PushChannels:     channels,
		ActiveExecutions: s.runner.ActiveCount(),
		CachedResults:    s.runner.CachedResults(),
		Tools:            s.catalog.Len(),
		Subscribers:      s.bus.Subscribers(),
	}
}
