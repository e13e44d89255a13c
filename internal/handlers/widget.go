package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/agent"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/webwidget"
	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/message/event"
	"github.com/relaydesk/relaydesk/internal/orchestrator"
)

// WidgetHandler serves the embedded web chat widget: message submission
// and the polling fallback for clients without a live stream.
type WidgetHandler struct {
	orch   *orchestrator.Orchestrator
	store  message.Store
	events event.Subscriber
	logger *slog.Logger
}

func NewWidgetHandler(log *slog.Logger, orch *orchestrator.Orchestrator, store message.Store, events event.Subscriber) *WidgetHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WidgetHandler{
		orch:   orch,
		store:  store,
		events: events,
		logger: log.With(slog.String("service", "widget")),
	}
}

func (h *WidgetHandler) Register(e *echo.Echo) {
	e.POST("/api/widget/:channel_id/messages", h.post)
	e.GET("/api/widget/:channel_id/messages", h.poll)
}

type widgetPostRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
}

func (h *WidgetHandler) post(c echo.Context) error {
	var req widgetPostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = agent.DefaultID
	}

	ev := ingest.Event{
		Thread: message.ThreadKey{
			ChannelType:    webwidget.ChannelType,
			ChannelID:      c.Param("channel_id"),
			ExternalUserID: req.UserID,
			AgentID:        agentID,
		},
		SourceMessageID: req.MessageID,
		Content:         req.Content,
		Kind:            message.KindText,
	}

	outcome, err := h.orch.HandleInbound(c.Request().Context(), ev)
	if err != nil {
		h.logger.Error("widget ingestion failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if outcome == ingest.Duplicate {
		return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"thread_id": ev.Thread.ID(),
	})
}

func (h *WidgetHandler) poll(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	agentID := c.QueryParam("agent_id")
	if agentID == "" {
		agentID = agent.DefaultID
	}
	key := message.ThreadKey{
		ChannelType:    webwidget.ChannelType,
		ChannelID:      c.Param("channel_id"),
		ExternalUserID: userID,
		AgentID:        agentID,
	}
	threadID := key.ID()

	since := time.Time{}
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		since = parsed
	}

	ctx := c.Request().Context()
	msgs, err := h.store.ListSince(ctx, threadID, since)
	if err != nil && !errors.Is(err, message.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing messages failed")
	}

	// Widget clients see the conversation, not its plumbing.
	visible := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			continue
		}
		visible = append(visible, m)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"messages":         visible,
		"poll_interval_ms": fanout.PollInterval(h.events.SubscriberCount(threadID)).Milliseconds(),
	})
}
