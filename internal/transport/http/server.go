// Package http provides the HTTP server for the hero API and live channel.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	v1 "github.com/xiaot623/hero/internal/transport/http/v1"
	"github.com/xiaot623/hero/internal/ws"
)

// NewServer creates and configures the public HTTP server: the REST API and
// the websocket endpoint.
func NewServer(api *v1.Handler, live *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register Routes
	api.RegisterRoutes(e)
	e.GET("/ws", live.HandleWebSocket)

	return e
}
