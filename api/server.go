package api

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"weave.evalgo.org/security"
)

// ServerConfig carries the HTTP-surface settings the server needs beyond
// its handler dependencies.
type ServerConfig struct {
	Host   string
	Port   int
	APIKey string
	Debug  bool
}

// Server is the weave HTTP control plane.
type Server struct {
	echo *echo.Echo
	cfg  ServerConfig
}

// NewServer builds the echo instance, middleware stack, and route tree.
func NewServer(cfg ServerConfig, h *Handlers, jwtSvc *security.JWTService) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Debug = cfg.Debug

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Unauthenticated surface.
	e.GET("/healthz", h.Health)
	e.GET("/version", h.Version)

	// Token minting is guarded by the static key alone; everything else
	// accepts either credential.
	e.POST("/api/v1/auth/token", h.IssueToken, APIKeyAuth(cfg.APIKey))

	v1 := e.Group("/api/v1", Auth(jwtSvc, cfg.APIKey))
	h.Register(v1)

	return &Server{echo: e, cfg: cfg}
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
