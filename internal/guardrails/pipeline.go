package guardrails

import (
	"context"
	"log/slog"

	"github.com/relaydesk/relaydesk/internal/llm"
)

// Classifier is the external classification capability. The returned
// verdict may be wrapped in arbitrary surrounding text.
type Classifier interface {
	Classify(ctx context.Context, text string, checkKind string) (string, error)
}

// checkFunc runs one policy check over the current text. It returns the
// possibly rewritten text, whether the check blocks, and a human-readable
// reason when it does.
type checkFunc func(ctx context.Context, text string, policy Policy) (rewritten string, blocked bool, reason string)

// Pipeline composes policy checks left-to-right, each consuming the
// previous check's (possibly rewritten) text.
type Pipeline struct {
	classifier Classifier
	logger     *slog.Logger
}

// NewPipeline creates a guardrails pipeline backed by the given classifier.
func NewPipeline(log *slog.Logger, classifier Classifier) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		classifier: classifier,
		logger:     log.With(slog.String("service", "guardrails")),
	}
}

// ValidateInput runs the inbound checkpoint: privacy redaction first so
// downstream checks and the completion call never see raw identifiers,
// then toxicity, content, and topic.
func (p *Pipeline) ValidateInput(ctx context.Context, text string, policy Policy) Result {
	return p.run(ctx, text, policy, []checkFunc{
		p.privacyCheck,
		p.toxicityCheck,
		p.contentCheck,
		p.topicCheck,
	})
}

// ValidateOutput runs the outbound checkpoint before channel delivery.
// The length check applies only here.
func (p *Pipeline) ValidateOutput(ctx context.Context, text string, policy Policy) Result {
	return p.run(ctx, text, policy, []checkFunc{
		p.toxicityCheck,
		p.contentCheck,
		p.topicCheck,
		p.lengthCheck,
	})
}

// run executes every check, accumulating block reasons. A blocking check
// does not short-circuit the rest: later checks still run (and may add
// reasons for the audit record) over the last non-blocked text.
func (p *Pipeline) run(ctx context.Context, text string, policy Policy, checks []checkFunc) Result {
	result := Result{Text: text}
	current := text
	for _, check := range checks {
		rewritten, blocked, reason := check(ctx, current, policy)
		if blocked {
			result.Blocked = true
			if reason != "" {
				result.Reasons = append(result.Reasons, reason)
			}
			continue
		}
		current = rewritten
	}
	if !result.Blocked {
		result.Text = current
	}
	return result
}

// classify invokes the external capability and extracts a structured
// verdict from its free-form response. Any failure, whether a transport
// error or an unparseable verdict, is treated as pass with a logged warning:
// conversation availability outranks strict enforcement on a malformed
// upstream response.
func (p *Pipeline) classify(ctx context.Context, text string, kind CheckKind) (verdict classifierVerdict, ok bool) {
	if p.classifier == nil {
		return classifierVerdict{}, false
	}
	raw, err := p.classifier.Classify(ctx, text, string(kind))
	if err != nil {
		p.logger.Warn("classification call failed, passing check",
			slog.String("check", string(kind)), slog.Any("error", err))
		return classifierVerdict{}, false
	}
	if err := llm.ExtractObject(raw, &verdict); err != nil {
		p.logger.Warn("classification verdict unparseable, passing check",
			slog.String("check", string(kind)), slog.Any("error", err))
		return classifierVerdict{}, false
	}
	return verdict, true
}

// classifierVerdict is the structured shape expected inside a
// classification response.
type classifierVerdict struct {
	Flagged bool   `json:"flagged"`
	Topic   string `json:"topic,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
