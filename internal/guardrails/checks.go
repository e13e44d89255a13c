package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Privacy redaction patterns. Replacement preserves readability while
// keeping identifiers out of model context and channel replies.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
)

func (p *Pipeline) toxicityCheck(ctx context.Context, text string, policy Policy) (string, bool, string) {
	if !policy.Toxicity {
		return text, false, ""
	}
	verdict, ok := p.classify(ctx, text, CheckToxicity)
	if !ok {
		return text, false, ""
	}
	if verdict.Flagged {
		reason := verdict.Reason
		if reason == "" {
			reason = "toxic content detected"
		}
		return text, true, "toxicity: " + reason
	}
	return text, false, ""
}

func (p *Pipeline) contentCheck(ctx context.Context, text string, policy Policy) (string, bool, string) {
	if !policy.Content {
		return text, false, ""
	}
	verdict, ok := p.classify(ctx, text, CheckContent)
	if !ok {
		return text, false, ""
	}
	if verdict.Flagged {
		reason := verdict.Reason
		if reason == "" {
			reason = "disallowed content"
		}
		return text, true, "content: " + reason
	}
	return text, false, ""
}

// privacyCheck rewrites rather than blocks: detected identifiers are
// redacted in place and the (rewritten) text continues down the pipeline.
func (p *Pipeline) privacyCheck(_ context.Context, text string, policy Policy) (string, bool, string) {
	if !policy.Privacy {
		return text, false, ""
	}
	redacted := emailPattern.ReplaceAllString(text, "[redacted-email]")
	redacted = cardPattern.ReplaceAllString(redacted, "[redacted-number]")
	redacted = phonePattern.ReplaceAllString(redacted, "[redacted-phone]")
	return redacted, false, ""
}

func (p *Pipeline) topicCheck(ctx context.Context, text string, policy Policy) (string, bool, string) {
	if !policy.Topic || (len(policy.TopicsAllow) == 0 && len(policy.TopicsDeny) == 0) {
		return text, false, ""
	}
	verdict, ok := p.classify(ctx, text, CheckTopic)
	if !ok {
		return text, false, ""
	}
	topic := strings.ToLower(strings.TrimSpace(verdict.Topic))
	if topic == "" {
		return text, false, ""
	}
	for _, denied := range policy.TopicsDeny {
		if strings.EqualFold(strings.TrimSpace(denied), topic) {
			return text, true, fmt.Sprintf("topic: %q is denied", topic)
		}
	}
	if len(policy.TopicsAllow) > 0 {
		for _, allowed := range policy.TopicsAllow {
			if strings.EqualFold(strings.TrimSpace(allowed), topic) {
				return text, false, ""
			}
		}
		return text, true, fmt.Sprintf("topic: %q is outside the allowed list", topic)
	}
	return text, false, ""
}

// lengthCheck enforces the response-length class by truncating at a rune
// boundary; it rewrites rather than blocks.
func (p *Pipeline) lengthCheck(_ context.Context, text string, policy Policy) (string, bool, string) {
	if !policy.Length || policy.MaxReplyRunes <= 0 {
		return text, false, ""
	}
	if utf8.RuneCountInString(text) <= policy.MaxReplyRunes {
		return text, false, ""
	}
	runes := []rune(text)
	return string(runes[:policy.MaxReplyRunes]) + "…", false, ""
}
