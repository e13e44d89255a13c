// Package media runs the two-phase handling of inbound attachments: an
// immediate acknowledgement in the request path, then detached download
// and analysis whose result is appended back into the thread.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/classify"
	"github.com/relaydesk/relaydesk/internal/message"
)

const (
	defaultAckText     = "Got your attachment, give me a moment to take a look."
	defaultFailureText = "Sorry, I couldn't process that attachment. Could you describe it in words?"

	analysisTimeout = 2 * time.Minute
)

// Responder continues the conversation after an analysis result lands.
type Responder interface {
	Respond(ctx context.Context, key message.ThreadKey) error
}

// Workflow orchestrates attachment handling for one inbound media message.
type Workflow struct {
	store    message.Store
	registry *channel.Registry
	analyzer classify.Capability
	logger   *slog.Logger

	ackText     string
	failureText string
}

func NewWorkflow(log *slog.Logger, store message.Store, registry *channel.Registry, analyzer classify.Capability) *Workflow {
	if log == nil {
		log = slog.Default()
	}
	return &Workflow{
		store:       store,
		registry:    registry,
		analyzer:    analyzer,
		logger:      log.With(slog.String("service", "media")),
		ackText:     defaultAckText,
		failureText: defaultFailureText,
	}
}

// Acknowledge is the synchronous phase: it stores and delivers the holding
// reply so the user hears back before analysis starts.
func (w *Workflow) Acknowledge(ctx context.Context, key message.ThreadKey, media message.Message) error {
	return w.reply(ctx, key, w.ackText, map[string]any{
		message.MetaRelatedMessageID: strconv.FormatInt(media.ID, 10),
	})
}

// Process is the asynchronous phase. It downloads the attachment, analyzes
// it, records the outcome on the originating message, and on success hands
// the thread to the responder for a follow-up reply. Callers run it on a
// detached context; the inbound request has already completed.
func (w *Workflow) Process(ctx context.Context, key message.ThreadKey, media message.Message, responder Responder) {
	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	log := w.logger.With(
		slog.String("thread", media.ThreadID),
		slog.Int64("message_id", media.ID))

	result, err := w.analyze(ctx, key, media)
	if err != nil {
		log.Warn("attachment analysis failed", slog.Any("error", err))
		w.recordFailure(ctx, key, media)
		return
	}

	sysMeta := map[string]any{
		message.MetaRelatedMessageID: strconv.FormatInt(media.ID, 10),
	}
	if _, err := w.store.Append(ctx, message.AppendInput{
		Key:         key,
		Role:        message.RoleSystem,
		Content:     "Attachment analysis: " + result,
		ContentKind: message.KindText,
		Metadata:    sysMeta,
	}); err != nil {
		log.Error("storing analysis result failed", slog.Any("error", err))
		w.recordFailure(ctx, key, media)
		return
	}

	if err := w.store.AttachMetadata(ctx, media.ThreadID, media.ID, map[string]any{
		message.MetaAnalysisState:  message.AnalysisComplete,
		message.MetaAnalysisResult: result,
	}); err != nil {
		log.Error("marking analysis complete failed", slog.Any("error", err))
	}

	if responder != nil {
		if err := responder.Respond(ctx, key); err != nil {
			log.Warn("post-analysis reply failed", slog.Any("error", err))
		}
	}
}

func (w *Workflow) analyze(ctx context.Context, key message.ThreadKey, media message.Message) (string, error) {
	ref := media.MetaString(message.MetaMediaRef)
	if ref == "" {
		return "", fmt.Errorf("message has no media reference")
	}
	adapter, err := w.registry.Get(key.ChannelType)
	if err != nil {
		return "", err
	}
	data, mime, err := adapter.FetchMedia(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	result, err := w.analyzer.AnalyzeMedia(ctx, data, mime)
	if err != nil {
		return "", err
	}
	return result, nil
}

// recordFailure moves the message to its terminal failed state and tells
// the user. Both steps are best effort; the state write goes first so the
// message never reads as pending forever.
func (w *Workflow) recordFailure(ctx context.Context, key message.ThreadKey, media message.Message) {
	if err := w.store.AttachMetadata(ctx, media.ThreadID, media.ID, map[string]any{
		message.MetaAnalysisState: message.AnalysisFailed,
	}); err != nil {
		w.logger.Error("marking analysis failed failed",
			slog.Int64("message_id", media.ID), slog.Any("error", err))
	}
	if err := w.reply(ctx, key, w.failureText, map[string]any{
		message.MetaRelatedMessageID: strconv.FormatInt(media.ID, 10),
	}); err != nil {
		w.logger.Warn("failure notice delivery failed", slog.Any("error", err))
	}
}

// reply appends an assistant message and delivers it on the thread's channel.
func (w *Workflow) reply(ctx context.Context, key message.ThreadKey, text string, meta map[string]any) error {
	if _, err := w.store.Append(ctx, message.AppendInput{
		Key:         key,
		Role:        message.RoleAssistant,
		Content:     text,
		ContentKind: message.KindText,
		Metadata:    meta,
	}); err != nil {
		return fmt.Errorf("store reply: %w", err)
	}
	adapter, err := w.registry.Get(key.ChannelType)
	if err != nil {
		return err
	}
	target := channel.Target{ChannelID: key.ChannelID, ExternalUserID: key.ExternalUserID}
	if _, err := adapter.Send(ctx, target, text); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	return nil
}
