package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/relaydesk/relaydesk/internal/agent"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/telegram"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/orchestrator"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramHandler receives Bot API webhook updates.
type TelegramHandler struct {
	orch    *orchestrator.Orchestrator
	secret  string
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewTelegramHandler(log *slog.Logger, cfg config.Config, orch *orchestrator.Orchestrator) *TelegramHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TelegramHandler{
		orch:   orch,
		secret: cfg.Telegram.WebhookSecret,
		// Telegram redelivers on non-200; a generous burst keeps bursts of
		// group traffic out of the error path.
		limiter: rate.NewLimiter(rate.Limit(30), 60),
		logger:  log.With(slog.String("service", "telegram_webhook")),
	}
}

func (h *TelegramHandler) Register(e *echo.Echo) {
	e.POST("/api/telegram/webhook", h.webhook)
}

func (h *TelegramHandler) webhook(c echo.Context) error {
	if h.secret != "" && c.Request().Header.Get(secretHeader) != h.secret {
		return c.NoContent(http.StatusUnauthorized)
	}
	if !h.limiter.Allow() {
		return c.NoContent(http.StatusTooManyRequests)
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(c.Request().Body).Decode(&update); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	ev, ok := telegram.NormalizeUpdate(update, agent.DefaultID)
	if !ok {
		return c.NoContent(http.StatusOK)
	}

	// Always acknowledge: Telegram retries any non-2xx, and a retry of a
	// failed update would just fail again.
	if _, err := h.orch.HandleInbound(c.Request().Context(), ev); err != nil {
		h.logger.Error("webhook ingestion failed",
			slog.Int("update_id", update.UpdateID), slog.Any("error", err))
	}
	return c.NoContent(http.StatusOK)
}
