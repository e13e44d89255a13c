package guardrails

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptedClassifier answers each check kind with a fixed raw response.
type scriptedClassifier struct {
	responses map[string]string
	err       error
	calls     []string
}

func (c *scriptedClassifier) Classify(_ context.Context, _ string, checkKind string) (string, error) {
	c.calls = append(c.calls, checkKind)
	if c.err != nil {
		return "", c.err
	}
	if resp, ok := c.responses[checkKind]; ok {
		return resp, nil
	}
	return `{"flagged": false}`, nil
}

func allChecks() Policy {
	return Policy{
		Toxicity: true,
		Content:  true,
		Privacy:  true,
		Topic:    true,
		Length:   true,
		Fallback: "fallback text",
	}
}

func TestValidateInputPassesCleanText(t *testing.T) {
	t.Parallel()
	p := NewPipeline(nil, &scriptedClassifier{})

	res := p.ValidateInput(context.Background(), "where is my order?", allChecks())
	if res.Blocked {
		t.Fatalf("clean text blocked: %v", res.Reasons)
	}
	if res.Text != "where is my order?" {
		t.Fatalf("text rewritten unexpectedly: %q", res.Text)
	}
}

func TestValidateInputBlocksToxicText(t *testing.T) {
	t.Parallel()
	classifier := &scriptedClassifier{responses: map[string]string{
		"toxicity": `{"flagged": true, "reason": "insults"}`,
	}}
	p := NewPipeline(nil, classifier)

	res := p.ValidateInput(context.Background(), "some abusive text", allChecks())
	if !res.Blocked {
		t.Fatal("toxic text not blocked")
	}
	if len(res.Reasons) == 0 || !strings.HasPrefix(res.Reasons[0], "toxicity:") {
		t.Fatalf("reasons = %v, want toxicity reason", res.Reasons)
	}
}

func TestValidateInputRedactsIdentifiers(t *testing.T) {
	t.Parallel()
	p := NewPipeline(nil, &scriptedClassifier{})

	res := p.ValidateInput(context.Background(),
		"reach me at jane.doe@example.com or +1 415 555 0199", allChecks())
	if res.Blocked {
		t.Fatalf("redactable text blocked: %v", res.Reasons)
	}
	if strings.Contains(res.Text, "example.com") {
		t.Fatalf("email survived redaction: %q", res.Text)
	}
	if strings.Contains(res.Text, "0199") {
		t.Fatalf("phone survived redaction: %q", res.Text)
	}
	if !strings.Contains(res.Text, "[redacted-email]") {
		t.Fatalf("missing redaction marker: %q", res.Text)
	}
}

func TestBlockedCheckDoesNotShortCircuit(t *testing.T) {
	t.Parallel()
	classifier := &scriptedClassifier{responses: map[string]string{
		"toxicity": `{"flagged": true, "reason": "insults"}`,
		"content":  `{"flagged": true, "reason": "violence"}`,
	}}
	p := NewPipeline(nil, classifier)

	res := p.ValidateInput(context.Background(), "bad on both counts", allChecks())
	if !res.Blocked {
		t.Fatal("text not blocked")
	}
	if len(res.Reasons) != 2 {
		t.Fatalf("reasons = %v, want both checks recorded", res.Reasons)
	}
}

func TestValidateOutputTruncatesLongReply(t *testing.T) {
	t.Parallel()
	p := NewPipeline(nil, &scriptedClassifier{})
	policy := allChecks()
	policy.MaxReplyRunes = 10

	res := p.ValidateOutput(context.Background(), "this reply is clearly too long", policy)
	if res.Blocked {
		t.Fatalf("long reply blocked instead of truncated: %v", res.Reasons)
	}
	if got := []rune(res.Text); len(got) != 11 { // limit plus ellipsis
		t.Fatalf("truncated to %d runes: %q", len(got), res.Text)
	}
}

func TestTopicDenyListBlocks(t *testing.T) {
	t.Parallel()
	classifier := &scriptedClassifier{responses: map[string]string{
		"topic": `{"topic": "politics"}`,
	}}
	p := NewPipeline(nil, classifier)
	policy := allChecks()
	policy.TopicsDeny = []string{"politics"}

	res := p.ValidateInput(context.Background(), "about the election", policy)
	if !res.Blocked {
		t.Fatal("denied topic not blocked")
	}
}

func TestTopicAllowListBlocksOutsiders(t *testing.T) {
	t.Parallel()
	classifier := &scriptedClassifier{responses: map[string]string{
		"topic": `{"topic": "cooking"}`,
	}}
	p := NewPipeline(nil, classifier)
	policy := allChecks()
	policy.TopicsAllow = []string{"billing", "shipping"}

	res := p.ValidateInput(context.Background(), "how do I roast a chicken", policy)
	if !res.Blocked {
		t.Fatal("off-topic text not blocked")
	}
}

func TestClassifierFailureFailsOpen(t *testing.T) {
	t.Parallel()
	classifier := &scriptedClassifier{err: errors.New("upstream down")}
	p := NewPipeline(nil, classifier)

	res := p.ValidateInput(context.Background(), "anything", allChecks())
	if res.Blocked {
		t.Fatalf("classifier outage blocked conversation: %v", res.Reasons)
	}
}

func TestUnparseableVerdictFailsOpen(t *testing.T) {
	t.Parallel()
	classifier := &scriptedClassifier{responses: map[string]string{
		"toxicity": "I am not JSON at all",
	}}
	p := NewPipeline(nil, classifier)

	res := p.ValidateInput(context.Background(), "anything", allChecks())
	if res.Blocked {
		t.Fatalf("garbage verdict blocked conversation: %v", res.Reasons)
	}
}

func TestDisabledChecksSkipClassifier(t *testing.T) {
	t.Parallel()
	classifier := &scriptedClassifier{}
	p := NewPipeline(nil, classifier)

	res := p.ValidateInput(context.Background(), "hello", Policy{})
	if res.Blocked {
		t.Fatal("empty policy blocked text")
	}
	if len(classifier.calls) != 0 {
		t.Fatalf("classifier called %d times with all checks off", len(classifier.calls))
	}
}
