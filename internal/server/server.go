// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/engine"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
)

const serviceName = "productteam"

// Engine is the part of *engine.Engine the server needs.
type Engine interface {
	Submit(ctx context.Context, q query.Query) (string, error)
	GetRunStatus(id string) (*engine.RunStatus, error)
	GetReport(id string) (*aggregator.Report, error)
	Cancel(id string) error
	ListRoles() []registry.Role
}

// Server serves the run submission API.
type Server struct {
	engine Engine
	echo   *echo.Echo
	http   *http.Server
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithTracerProvider sets the provider for request spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *serverOptions) { o.tracerProvider = tp }
}

// New creates a server and registers its routes.
func New(eng Engine, opts ...Option) *Server {
	o := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var otelOpts []otelecho.Option
	if o.tracerProvider != nil {
		otelOpts = append(otelOpts, otelecho.WithTracerProvider(o.tracerProvider))
	}
	e.Use(otelecho.Middleware(serviceName, otelOpts...))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				o.logger.Warn("request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			o.logger.Debug("request", attrs...)
			return nil
		},
	}))

	s := &Server{engine: eng, echo: e, logger: o.logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	s.echo.GET("/roles", s.listRoles)
	s.echo.POST("/runs", s.submitRun)
	s.echo.GET("/runs/:id", s.getRun)
	s.echo.GET("/runs/:id/report", s.getReport)
	s.echo.DELETE("/runs/:id", s.cancelRun)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown error", "err", err)
		return s.http.Close()
	}
	return nil
}
