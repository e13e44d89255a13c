package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/handoff"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/message/event"
	"github.com/relaydesk/relaydesk/internal/orchestrator"
	"github.com/relaydesk/relaydesk/internal/summary"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	heartbeatInterval = 20 * time.Second
)

// ConsoleHandler serves the operator console API: authentication, thread
// browsing, ownership transitions, operator replies, summaries, and the
// live event stream.
type ConsoleHandler struct {
	cfg     config.Config
	store   message.Store
	handoff *handoff.Service
	orch    *orchestrator.Orchestrator
	summary *summary.Service
	events  event.Subscriber
	logger  *slog.Logger
}

func NewConsoleHandler(
	log *slog.Logger,
	cfg config.Config,
	store message.Store,
	handoffSvc *handoff.Service,
	orch *orchestrator.Orchestrator,
	summarySvc *summary.Service,
	events event.Subscriber,
) *ConsoleHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConsoleHandler{
		cfg:     cfg,
		store:   store,
		handoff: handoffSvc,
		orch:    orch,
		summary: summarySvc,
		events:  events,
		logger:  log.With(slog.String("service", "console")),
	}
}

func (h *ConsoleHandler) Register(e *echo.Echo) {
	e.POST("/api/console/login", h.login)
	e.GET("/api/console/threads", h.listThreads)
	e.GET("/api/console/threads/:id/messages", h.listMessages)
	e.POST("/api/console/threads/:id/messages", h.sendMessage)
	e.POST("/api/console/threads/:id/claim", h.claim)
	e.POST("/api/console/threads/:id/release", h.release)
	e.POST("/api/console/threads/:id/transfer", h.transfer)
	e.GET("/api/console/threads/:id/summary", h.threadSummary)
	e.GET("/api/console/events", h.streamEvents)
	e.GET("/api/console/notifications", h.pollNotifications)
}

// pollNotifications is the degraded fallback for consoles without a live
// event stream. It returns the same notification shape the stream pushes,
// plus a hint for the next poll: tight while no live stream covers the
// watched scope, wide once one does.
func (h *ConsoleHandler) pollNotifications(c echo.Context) error {
	since, err := time.Parse(time.RFC3339Nano, c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
	}
	ctx := c.Request().Context()

	watched := c.QueryParam("thread_id")
	threadIDs := []string{watched}
	if watched == "" {
		threads, err := h.store.ListThreads(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "listing threads failed")
		}
		threadIDs = threadIDs[:0]
		for _, t := range threads {
			if t.LastActiveAt.After(since) {
				threadIDs = append(threadIDs, t.ID)
			}
		}
	}

	notifications := make([]fanout.Notification, 0)
	for _, id := range threadIDs {
		msgs, err := h.store.ListSince(ctx, id, since)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "listing messages failed")
		}
		for _, m := range msgs {
			notifications = append(notifications, fanout.FromMessage(m))
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"notifications":    notifications,
		"poll_interval_ms": fanout.PollInterval(h.events.SubscriberCount(watched)).Milliseconds(),
	})
}

type loginRequest struct {
	OperatorID string `json:"operator_id"`
	ConsoleKey string `json:"console_key"`
}

func (h *ConsoleHandler) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.OperatorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operator_id is required")
	}
	if h.cfg.Auth.ConsoleKey == "" || req.ConsoleKey != h.cfg.Auth.ConsoleKey {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid console key")
	}
	token, err := auth.GenerateToken(h.cfg.Auth.JWTSecret, req.OperatorID, h.cfg.Auth.ExpiresIn())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "token generation failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

type threadView struct {
	message.Thread
	Ownership handoff.Ownership `json:"ownership"`
}

func (h *ConsoleHandler) listThreads(c echo.Context) error {
	ctx := c.Request().Context()
	threads, err := h.store.ListThreads(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing threads failed")
	}
	out := make([]threadView, 0, len(threads))
	for _, t := range threads {
		own, err := h.handoff.State(ctx, t.ID)
		if err != nil {
			h.logger.Warn("ownership lookup failed",
				slog.String("thread", t.ID), slog.Any("error", err))
			own = handoff.Ownership{ThreadID: t.ID, State: handoff.StateAutomated}
		}
		out = append(out, threadView{Thread: t, Ownership: own})
	}
	return c.JSON(http.StatusOK, map[string]any{"threads": out})
}

func (h *ConsoleHandler) listMessages(c echo.Context) error {
	threadID := c.Param("id")
	ctx := c.Request().Context()

	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		msgs, err := h.store.ListSince(ctx, threadID, since)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "listing messages failed")
		}
		return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
	}

	limit := defaultPageSize
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}
	msgs, err := h.store.ListRecent(ctx, threadID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing messages failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *ConsoleHandler) sendMessage(c echo.Context) error {
	operatorID, err := auth.OperatorID(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	stored, err := h.orch.SendOperator(c.Request().Context(), c.Param("id"), operatorID, req.Content)
	if errors.Is(err, handoff.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, "claim the thread before replying")
	}
	if errors.Is(err, message.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown thread")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "sending reply failed")
	}
	return c.JSON(http.StatusCreated, stored)
}

func (h *ConsoleHandler) claim(c echo.Context) error {
	return h.transition(c, func(ctx echo.Context, operatorID string) (handoff.Ownership, error) {
		return h.handoff.Claim(ctx.Request().Context(), ctx.Param("id"), operatorID)
	})
}

func (h *ConsoleHandler) release(c echo.Context) error {
	return h.transition(c, func(ctx echo.Context, operatorID string) (handoff.Ownership, error) {
		return h.handoff.Release(ctx.Request().Context(), ctx.Param("id"), operatorID)
	})
}

type transferRequest struct {
	OperatorID string `json:"operator_id"`
}

// transfer reassigns the thread to the operator named in the body,
// regardless of current ownership.
func (h *ConsoleHandler) transfer(c echo.Context) error {
	if _, err := auth.OperatorID(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var req transferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.OperatorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operator_id is required")
	}
	if err := h.requireThread(c); err != nil {
		return err
	}
	own, err := h.handoff.ForceTransfer(c.Request().Context(), c.Param("id"), req.OperatorID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "transfer failed")
	}
	return c.JSON(http.StatusOK, own)
}

// requireThread rejects ownership transitions aimed at thread ids the
// message log has never seen, before any handoff row gets created.
func (h *ConsoleHandler) requireThread(c echo.Context) error {
	_, err := h.store.GetThread(c.Request().Context(), c.Param("id"))
	if errors.Is(err, message.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown thread")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "thread lookup failed")
	}
	return nil
}

func (h *ConsoleHandler) transition(c echo.Context, fn func(echo.Context, string) (handoff.Ownership, error)) error {
	operatorID, err := auth.OperatorID(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if err := h.requireThread(c); err != nil {
		return err
	}
	own, err := fn(c, operatorID)
	if errors.Is(err, handoff.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "ownership transition failed")
	}
	return c.JSON(http.StatusOK, own)
}

func (h *ConsoleHandler) threadSummary(c echo.Context) error {
	sum, err := h.summary.Summarize(c.Request().Context(), c.Param("id"))
	if errors.Is(err, message.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown thread")
	}
	if err != nil {
		h.logger.Warn("summary failed", slog.String("thread", c.Param("id")), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "summary unavailable")
	}
	return c.JSON(http.StatusOK, sum)
}

// streamEvents pushes new-message notifications over SSE. The optional
// thread_id query parameter narrows the stream to one thread; without it
// the operator sees all activity.
func (h *ConsoleHandler) streamEvents(c echo.Context) error {
	threadID := c.QueryParam("thread_id")

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	_, events, cancel := h.events.Subscribe(threadID, 128)
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Fan-out can hand the same message to overlapping subscriptions
	// during reconnects; suppress repeats within this stream.
	sent := make(map[string]struct{})

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(resp, ": heartbeat\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != event.TypeMessageCreated {
				continue
			}
			var msg message.Message
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				h.logger.Warn("undecodable event payload", slog.Any("error", err))
				continue
			}
			dedupKey := msg.ThreadID + "#" + strconv.FormatInt(msg.ID, 10)
			if _, dup := sent[dedupKey]; dup {
				continue
			}
			sent[dedupKey] = struct{}{}

			payload, err := json.Marshal(fanout.FromMessage(msg))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
