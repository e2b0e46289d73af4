// Package httpapp serves governd's admin API: read-only status queries plus
// targeted refresh triggers. There is no auth layer; bind it to a loopback
// or otherwise protected address.
package httpapp

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/governd/governd/internal/engine"
	"github.com/governd/governd/internal/host"
	"github.com/governd/governd/internal/runtime"
)

// HostAPI is the slice of the host the admin server exposes.
type HostAPI interface {
	Summaries() []engine.Summary
	ConnectorReports() []runtime.Report
	ConnectorReport(id string) (runtime.Report, error)
	ProcessingList() []string
	RefreshConnector(ctx context.Context, id string) error
	RefreshConfig(ctx context.Context) error
}

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	host HostAPI
	e    *echo.Echo
}

// NewEchoServer creates a new admin API server over the given host.
func NewEchoServer(h HostAPI) *EchoServer {
	es := &EchoServer{host: h, e: echo.New()}
	es.e.HideBanner = true
	es.e.Use(middleware.Recover())
	es.registerRoutes()
	return es
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.handleHealthz)

	api := es.e.Group("/api/v1")
	api.GET("/summary", es.handleSummary)
	api.GET("/connectors", es.handleConnectors)
	api.GET("/connectors/:id", es.handleConnector)
	api.POST("/connectors/:id/refresh", es.handleConnectorRefresh)
	api.POST("/refresh", es.handleRefresh)
}

func (es *EchoServer) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (es *EchoServer) handleSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"engines":         es.host.Summaries(),
		"processing_list": es.host.ProcessingList(),
	})
}

func (es *EchoServer) handleConnectors(c echo.Context) error {
	return c.JSON(http.StatusOK, es.host.ConnectorReports())
}

func (es *EchoServer) handleConnector(c echo.Context) error {
	report, err := es.host.ConnectorReport(c.Param("id"))
	if err != nil {
		if errors.Is(err, host.ErrUnknownConnector) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (es *EchoServer) handleConnectorRefresh(c echo.Context) error {
	if err := es.host.RefreshConnector(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, host.ErrUnknownConnector) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (es *EchoServer) handleRefresh(c echo.Context) error {
	if err := es.host.RefreshConfig(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// Start starts the HTTP server.
func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

// Handler exposes the underlying mux, mainly for tests.
func (es *EchoServer) Handler() http.Handler {
	return es.e
}

// Shutdown gracefully shuts down the HTTP server.
func (es *EchoServer) Shutdown(ctx context.Context) error {
	return es.e.Shutdown(ctx)
}
