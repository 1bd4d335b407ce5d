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


// Package sagaserve runs the saga engine behind its HTTP control API.
package sagaserve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/internal/sagaserve/deps"
	"github.com/innovationmech/sagaflow/internal/sagaserve/handler"
	"github.com/innovationmech/sagaflow/pkg/middleware"
	"github.com/innovationmech/sagaflow/pkg/saga/scheduler"
)

// Server represents the sagaflow server implementation
type Server struct {
	deps      *deps.Dependencies
	logger    *zap.Logger
	router    *gin.Engine
	http      *http.Server
	scheduler *scheduler.Scheduler

	mu           sync.Mutex
	listener     net.Listener
	registeredID string
	started      bool
	errs         chan error
}

// NewServer builds the router and the scheduler around d. Nothing runs
// until Start.
func NewServer(d *deps.Dependencies) (*Server, error) {
	if d == nil || d.Engine == nil {
		return nil, errors.New("dependencies are not initialized")
	}
	cfg := d.Config
	logger := d.Logger.With(zap.String("component", "server"))

	sched, err := scheduler.New(d.Store, d.Engine, cfg.Scheduler,
		scheduler.WithLogger(d.Logger),
		scheduler.WithRecorder(d.Recorder()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Server{
		deps:      d,
		logger:    logger,
		scheduler: sched,
		errs:      make(chan error, 1),
	}
	if s.router, err = s.newRouter(); err != nil {
		return nil, err
	}
	s.http = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

func (s *Server) newRouter() (*gin.Engine, error) {
	cfg := s.deps.Config
	gin.SetMode(cfg.Server.Mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(s.deps.Logger.With(zap.String("component", "http"))))
	router.Use(middleware.Tracing(s.deps.Tracing.TracerProvider(), s.deps.Tracing.Propagator()))

	if cfg.Server.CORS.Enabled {
		corsConfig := cors.DefaultConfig()
		if len(cfg.Server.CORS.AllowOrigins) == 0 {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.Server.CORS.AllowOrigins
		}
		s.logger.Info("CORS middleware configured", zap.Strings("allow_origins", cfg.Server.CORS.AllowOrigins))
		router.Use(cors.New(corsConfig))
	}

	if m := s.deps.Metrics; m != nil {
		httpMetrics, err := middleware.NewPrometheusHTTPMiddleware(m.Registry(), &middleware.PrometheusHTTPConfig{
			Namespace:    cfg.Metrics.Namespace,
			ExcludePaths: []string{"/health", cfg.Metrics.Path},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
		}
		router.Use(httpMetrics.Middleware())
		router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	handler.New(s.deps.Engine, s.deps.Store, s.deps.Logger).Register(router)
	return router, nil
}

// Handler returns the HTTP handler of the control API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Errors delivers a failure of the HTTP listener after Start returned.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Start runs the engine and the scheduler, opens the listener and registers
// the service in Consul when discovery is enabled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	if err := s.deps.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.listener = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
			s.errs <- err
		}
	}()

	if err := s.register(); err != nil {
		return err
	}

	s.started = true
	s.logger.Info("Server started successfully",
		zap.String("http_address", ln.Addr().String()),
		zap.String("owner", s.deps.Engine.Owner()),
		zap.Int("definitions", len(s.deps.Registry.List())))
	return nil
}

func (s *Server) register() error {
	if s.deps.Discovery == nil {
		return nil
	}
	reg, ok, err := s.deps.Registration()
	if err != nil || !ok {
		return err
	}
	if err := s.deps.Discovery.RegisterService(reg); err != nil {
		s.logger.Error("failed to register service", zap.String("service", reg.Name), zap.Error(err))
		return err
	}
	s.registeredID = reg.ID
	s.logger.Info("Service registered", zap.String("service", reg.Name), zap.String("id", reg.ID))
	return nil
}

// Stop deregisters the service, drains HTTP requests, stops the scheduler
// and the engine and releases every dependency.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.registeredID != "" {
		if err := s.deps.Discovery.DeregisterService(s.registeredID); err != nil {
			s.logger.Error("Deregister service error", zap.Error(err))
			errs = append(errs, err)
		} else {
			s.logger.Info("Service deregistered successfully", zap.String("id", s.registeredID))
		}
		s.registeredID = ""
	}

	if s.listener != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		s.listener = nil
	}
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	if err := s.deps.Engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine stop: %w", err))
	}
	if err := s.deps.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close dependencies: %w", err))
	}
	s.started = false

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Server stopped successfully")
	return nil
}
