package server

import (
	"context"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/lantern/internal/domain/tenant"
)

// Server wires the tenant manager into an echo router.
type Server struct {
	echo    *echo.Echo
	manager *tenant.Manager
	log     zerolog.Logger
}

// New builds the router and registers the tenant-scoped routes.
func New(manager *tenant.Manager, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &Server{echo: e, manager: manager, log: log}

	e.GET("/:tenant/metadata", s.metadata)
	e.GET("/:tenant/.well-known/smart-configuration", s.smartConfiguration)

	scoped := e.Group("", s.smartGate)
	scoped.POST("/:tenant", s.postBundle)
	scoped.POST("/:tenant/_search", s.systemSearch)
	scoped.GET("/:tenant/_search", s.systemSearch)

	scoped.GET("/:tenant/:type", s.typeSearch)
	scoped.POST("/:tenant/:type", s.create)
	scoped.POST("/:tenant/:type/_search", s.typeSearch)

	scoped.GET("/:tenant/:type/:id", s.read)
	scoped.HEAD("/:tenant/:type/:id", s.read)
	scoped.PUT("/:tenant/:type/:id", s.update)
	scoped.DELETE("/:tenant/:type/:id", s.delete)

	scoped.GET("/:tenant/:type/:id/:op", s.instanceOperation)
	scoped.POST("/:tenant/:type/:id/:op", s.instanceOperation)

	return s
}

// Start blocks serving on the address until Shutdown.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

// Shutdown drains the listener with the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
