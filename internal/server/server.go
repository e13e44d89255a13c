// Package server assembles the HTTP surface from independently registered
// handler groups.
package server

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/config"
)

// Handler is one route group of the HTTP API.
type Handler interface {
	Register(e *echo.Echo)
}

// Params collects everything the server needs from the DI graph.
type Params struct {
	fx.In

	Config   config.Config
	Logger   *slog.Logger
	Handlers []Handler `group:"server_handlers"`
}

// New builds the echo instance with shared middleware and all registered
// handler groups mounted.
func New(p Params) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger(p.Logger))
	if p.Config.Auth.JWTSecret != "" {
		e.Use(auth.Middleware(p.Config.Auth.JWTSecret))
	}

	for _, h := range p.Handlers {
		h.Register(e)
	}
	return e
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("service", "http"))
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency.Round(time.Millisecond)))
			return nil
		},
	})
}
