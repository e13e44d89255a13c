// Package orchestrator drives a conversation turn end to end: accept the
// inbound event, decide who answers, produce the reply, and deliver it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/agent"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/guardrails"
	"github.com/relaydesk/relaydesk/internal/handoff"
	"github.com/relaydesk/relaydesk/internal/history"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/retry"
)

// turnTimeout bounds the detached processing of one turn.
const turnTimeout = 3 * time.Minute

type Orchestrator struct {
	ingest    *ingest.Service
	store     message.Store
	assembler *history.Assembler
	pipeline  *guardrails.Pipeline
	gateway   completion.Gateway
	handoff   *handoff.Service
	registry  *channel.Registry
	resolver  *agent.Resolver
	media     *media.Workflow
	logger    *slog.Logger
}

func New(
	log *slog.Logger,
	ingestSvc *ingest.Service,
	store message.Store,
	assembler *history.Assembler,
	pipeline *guardrails.Pipeline,
	gateway completion.Gateway,
	handoffSvc *handoff.Service,
	registry *channel.Registry,
	resolver *agent.Resolver,
	mediaWf *media.Workflow,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		ingest:    ingestSvc,
		store:     store,
		assembler: assembler,
		pipeline:  pipeline,
		gateway:   gateway,
		handoff:   handoffSvc,
		registry:  registry,
		resolver:  resolver,
		media:     mediaWf,
		logger:    log.With(slog.String("service", "orchestrator")),
	}
}

// HandleInbound runs the synchronous half of a turn: validate, dedup, and
// persist the event, plus the immediate acknowledgement for media. The
// rest of the turn continues on a detached goroutine after this returns,
// so channel webhooks can be answered fast.
func (o *Orchestrator) HandleInbound(ctx context.Context, ev ingest.Event) (ingest.Outcome, error) {
	stored, outcome, err := o.ingest.Ingest(ctx, ev)
	if err != nil {
		return 0, err
	}
	if outcome == ingest.Duplicate {
		return outcome, nil
	}

	if stored.ContentKind.IsMedia() {
		if err := o.media.Acknowledge(ctx, ev.Thread, stored); err != nil {
			o.logger.Warn("media acknowledgement failed",
				slog.String("thread", stored.ThreadID), slog.Any("error", err))
		}
		go func() {
			ctx, cancel := context.WithTimeout(o.detached(), turnTimeout)
			defer cancel()
			if !o.screenCaption(ctx, ev.Thread, stored) {
				return
			}
			o.media.Process(ctx, ev.Thread, stored, o)
		}()
		return outcome, nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(o.detached(), turnTimeout)
		defer cancel()
		if err := o.processTurn(ctx, ev.Thread, stored); err != nil {
			o.logger.Error("turn processing failed",
				slog.String("thread", stored.ThreadID), slog.Any("error", err))
		}
	}()
	return outcome, nil
}

// screenCaption runs the inbound checkpoint over an attachment caption
// before analysis starts. Captions reach the completion prompt the same
// way typed text does, so they pass the same checks. It reports whether
// the turn proceeds.
func (o *Orchestrator) screenCaption(ctx context.Context, key message.ThreadKey, media message.Message) bool {
	caption := strings.TrimSpace(media.Content)
	if caption == "" {
		return true
	}
	profile := o.resolver.Resolve(key.AgentID)
	in := o.pipeline.ValidateInput(ctx, caption, profile.Policy)
	if in.Blocked {
		o.logger.Info("inbound caption blocked",
			slog.String("thread", media.ThreadID), slog.Any("reasons", in.Reasons))
		if err := o.store.AttachMetadata(ctx, media.ThreadID, media.ID, map[string]any{
			message.MetaBlockReasons:  strings.Join(in.Reasons, "; "),
			message.MetaAnalysisState: message.AnalysisFailed,
		}); err != nil {
			o.logger.Warn("recording block reasons failed", slog.Any("error", err))
		}
		if err := o.deliverReply(ctx, key, profile.Policy.Fallback, nil); err != nil {
			o.logger.Error("fallback delivery failed",
				slog.String("thread", media.ThreadID), slog.Any("error", err))
		}
		return false
	}
	if in.Text != caption {
		// The stored caption keeps the original text; the prompt view
		// picks up the redacted form from metadata.
		if err := o.store.AttachMetadata(ctx, media.ThreadID, media.ID, map[string]any{
			message.MetaRedactedContent: in.Text,
		}); err != nil {
			o.logger.Warn("recording redacted caption failed", slog.Any("error", err))
		}
	}
	return true
}

// Respond continues a thread without a new user message, e.g. after an
// attachment analysis lands.
func (o *Orchestrator) Respond(ctx context.Context, key message.ThreadKey) error {
	return o.processTurn(ctx, key, message.Message{})
}

// processTurn produces and delivers the reply for a thread. trigger is
// the user message that started the turn; a zero trigger means the turn
// was started internally.
func (o *Orchestrator) processTurn(ctx context.Context, key message.ThreadKey, trigger message.Message) error {
	threadID := key.ID()
	profile := o.resolver.Resolve(key.AgentID)

	own, err := o.handoff.State(ctx, threadID)
	if err != nil {
		return err
	}
	if own.State == handoff.StateHumanOwned {
		// The operator answers; the stored user message has already been
		// fanned out to the console.
		o.logger.Debug("skipping automated reply on human-owned thread",
			slog.String("thread", threadID), slog.String("operator", own.OperatorID))
		return nil
	}

	validatedInput := ""
	if trigger.ID != 0 && trigger.ContentKind == message.KindText {
		in := o.pipeline.ValidateInput(ctx, trigger.Content, profile.Policy)
		if in.Blocked {
			o.logger.Info("inbound message blocked",
				slog.String("thread", threadID), slog.Any("reasons", in.Reasons))
			if err := o.store.AttachMetadata(ctx, threadID, trigger.ID, map[string]any{
				message.MetaBlockReasons: strings.Join(in.Reasons, "; "),
			}); err != nil {
				o.logger.Warn("recording block reasons failed", slog.Any("error", err))
			}
			return o.deliverReply(ctx, key, profile.Policy.Fallback, nil)
		}
		validatedInput = in.Text
	}

	hist, analysisPending, err := o.assembler.Assemble(ctx, threadID, profile.SystemPrompt, profile.MemoryLimit)
	if err != nil {
		return err
	}
	if analysisPending {
		o.logger.Debug("replying with analysis still pending", slog.String("thread", threadID))
	}
	// The completion sees the redacted form of the triggering message, not
	// the stored original.
	if validatedInput != "" && validatedInput != trigger.Content {
		for i := len(hist) - 1; i >= 0; i-- {
			if hist[i].ID == trigger.ID {
				hist[i].Content = validatedInput
				break
			}
		}
	}

	var reply string
	err = retry.Do(ctx, 2, 500*time.Millisecond, func() error {
		var cerr error
		reply, cerr = o.gateway.Complete(ctx, hist)
		return cerr
	})
	if err != nil {
		o.logger.Error("completion failed, sending fallback",
			slog.String("thread", threadID), slog.Any("error", err))
		return o.deliverReply(ctx, key, profile.Policy.Fallback, nil)
	}

	out := o.pipeline.ValidateOutput(ctx, reply, profile.Policy)
	if out.Blocked {
		o.logger.Info("outbound reply blocked",
			slog.String("thread", threadID), slog.Any("reasons", out.Reasons))
		return o.deliverReply(ctx, key, profile.Policy.Fallback, map[string]any{
			message.MetaBlockReasons: strings.Join(out.Reasons, "; "),
		})
	}
	return o.deliverReply(ctx, key, out.Text, nil)
}

// SendOperator appends and delivers a human operator's reply. The inbound
// guardrails checkpoint does not apply to operators, the outbound one
// does. The thread's idle timer restarts on every operator send.
func (o *Orchestrator) SendOperator(ctx context.Context, threadID, operatorID, text string) (message.Message, error) {
	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return message.Message{}, err
	}
	own, err := o.handoff.State(ctx, threadID)
	if err != nil {
		return message.Message{}, err
	}
	if own.State != handoff.StateHumanOwned || own.OperatorID != operatorID {
		return message.Message{}, fmt.Errorf("send to %s: %w", threadID, handoff.ErrConflict)
	}

	profile := o.resolver.Resolve(thread.Key.AgentID)
	out := o.pipeline.ValidateOutput(ctx, text, profile.Policy)
	meta := map[string]any{message.MetaOperatorID: operatorID}
	deliver := out.Text
	if out.Blocked {
		meta[message.MetaBlockReasons] = strings.Join(out.Reasons, "; ")
		deliver = profile.Policy.Fallback
	}

	stored, err := o.store.Append(ctx, message.AppendInput{
		Key:         thread.Key,
		Role:        message.RoleOperator,
		Content:     deliver,
		ContentKind: message.KindText,
		Metadata:    meta,
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("store operator reply: %w", err)
	}
	if err := o.send(ctx, thread.Key, deliver); err != nil {
		return stored, err
	}
	if err := o.handoff.Touch(ctx, threadID); err != nil {
		o.logger.Warn("handoff touch failed", slog.String("thread", threadID), slog.Any("error", err))
	}
	return stored, nil
}

// deliverReply appends an assistant message and pushes it to the channel.
func (o *Orchestrator) deliverReply(ctx context.Context, key message.ThreadKey, text string, meta map[string]any) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("refusing to deliver empty reply to %s", key.ID())
	}
	stored, err := o.store.Append(ctx, message.AppendInput{
		Key:         key,
		Role:        message.RoleAssistant,
		Content:     text,
		ContentKind: message.KindText,
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("store reply: %w", err)
	}
	if err := o.send(ctx, key, text); err != nil {
		return err
	}
	o.logger.Debug("reply delivered",
		slog.String("thread", stored.ThreadID), slog.Int64("message_id", stored.ID))
	return nil
}

func (o *Orchestrator) send(ctx context.Context, key message.ThreadKey, text string) error {
	adapter, err := o.registry.Get(key.ChannelType)
	if err != nil {
		return err
	}
	target := channel.Target{ChannelID: key.ChannelID, ExternalUserID: key.ExternalUserID}
	if _, err := adapter.Send(ctx, target, text); err != nil {
		return fmt.Errorf("deliver to %s: %w", key.ChannelType, err)
	}
	return nil
}

// detached returns the background context used for work that outlives the
// originating request.
func (o *Orchestrator) detached() context.Context {
	return context.Background()
}
