// Package handlers contains the HTTP route groups: health, channel
// webhooks, the widget API, and the operator console.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type PingHandler struct{}

func NewPingHandler() *PingHandler { return &PingHandler{} }

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.ping)
}

func (h *PingHandler) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
