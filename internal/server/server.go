package server

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/linepulse/linepulse/internal/config"
	"github.com/linepulse/linepulse/internal/hub"
)

// Server hosts the websocket upgrade endpoint and the observability routes.
type Server struct {
	echo      *echo.Echo
	config    *config.Config
	hub       *hub.Hub
	router    *hub.Router
	limits    *hub.ConnectionLimits
	startTime time.Time
}

// New creates the HTTP server around an already-running hub.
func New(cfg *config.Config, h *hub.Hub, router *hub.Router) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:   e,
		config: cfg,
		hub:    h,
		router: router,
		limits: hub.NewConnectionLimits(
			int64(cfg.MaxConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRatePerSecond,
			cfg.ConnectionBurst,
		),
		startTime: time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Start begins serving on the configured port. Blocks until shutdown.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
