package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/agent"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/guardrails"
	"github.com/relaydesk/relaydesk/internal/handoff"
	"github.com/relaydesk/relaydesk/internal/history"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/internal/message"
)

const fallbackText = "Sorry, I can't help with that right now."

type fakeGateway struct {
	mu        sync.Mutex
	reply     string
	errs      []error // consumed one per call before reply succeeds
	histories [][]message.Message
}

func (g *fakeGateway) Complete(_ context.Context, hist []message.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := make([]message.Message, len(hist))
	copy(copied, hist)
	g.histories = append(g.histories, copied)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return "", err
	}
	return g.reply, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.histories)
}

// textClassifier flags texts containing any of its trigger substrings.
type textClassifier struct {
	triggers []string
}

func (c *textClassifier) Classify(_ context.Context, text, checkKind string) (string, error) {
	if checkKind == "toxicity" {
		for _, trigger := range c.triggers {
			if strings.Contains(text, trigger) {
				return `{"flagged": true, "reason": "abusive language"}`, nil
			}
		}
	}
	return `{"flagged": false}`, nil
}

type memAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *memAdapter) Type() string { return "web_widget" }

func (a *memAdapter) Send(_ context.Context, _ channel.Target, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return "delivery-1", nil
}

func (a *memAdapter) FetchMedia(context.Context, string) ([]byte, string, error) {
	return nil, "", channel.ErrMediaUnsupported
}

func (a *memAdapter) deliveries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	copy(out, a.sent)
	return out
}

type fixture struct {
	orch    *Orchestrator
	store   message.Store
	adapter *memAdapter
	handoff *handoff.Service
	gateway *fakeGateway
}

func newFixture(gateway *fakeGateway, classifier guardrails.Classifier) *fixture {
	cfg := config.Config{
		Guardrails: config.GuardrailsConfig{FallbackMessage: fallbackText},
		Agent: config.AgentConfig{
			SystemPrompt: "be helpful",
			MemoryLimit:  20,
			Checks:       config.AgentCheckConfig{Toxicity: true, Privacy: true},
		},
	}
	store := message.NewMemStore()
	adapter := &memAdapter{}
	registry := channel.NewRegistry()
	registry.Register(adapter)
	handoffSvc := handoff.NewService(nil, handoff.NewMemStore())
	pipeline := guardrails.NewPipeline(nil, classifier)
	ingestSvc := ingest.NewService(nil, store, ingest.NewDedupCache(10*time.Minute), 30*time.Second)

	orch := New(
		nil,
		ingestSvc,
		store,
		history.NewAssembler(store),
		pipeline,
		gateway,
		handoffSvc,
		registry,
		agent.NewResolver(cfg),
		media.NewWorkflow(nil, store, registry, nil),
	)
	return &fixture{orch: orch, store: store, adapter: adapter, handoff: handoffSvc, gateway: gateway}
}

func threadKey() message.ThreadKey {
	return message.ThreadKey{
		ChannelType:    "web_widget",
		ChannelID:      "site",
		ExternalUserID: "visitor-1",
		AgentID:        "default",
	}
}

func seedUserMessage(t *testing.T, store message.Store, content string) message.Message {
	t.Helper()
	msg, err := store.Append(context.Background(), message.AppendInput{
		Key:         threadKey(),
		Role:        message.RoleUser,
		Content:     content,
		ContentKind: message.KindText,
	})
	if err != nil {
		t.Fatalf("seed user message: %v", err)
	}
	return msg
}

func lastAssistant(t *testing.T, store message.Store) message.Message {
	t.Helper()
	recent, err := store.ListRecent(context.Background(), threadKey().ID(), 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	for _, m := range recent {
		if m.Role == message.RoleAssistant {
			return m
		}
	}
	t.Fatal("no assistant message stored")
	return message.Message{}
}

func TestProcessTurnDeliversCompletionReply(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "your parcel ships tomorrow"}
	f := newFixture(gw, &textClassifier{})

	trigger := seedUserMessage(t, f.store, "when does my parcel ship?")
	if err := f.orch.processTurn(context.Background(), threadKey(), trigger); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	got := lastAssistant(t, f.store)
	if got.Content != "your parcel ships tomorrow" {
		t.Fatalf("assistant content = %q", got.Content)
	}
	if deliveries := f.adapter.deliveries(); len(deliveries) != 1 || deliveries[0] != "your parcel ships tomorrow" {
		t.Fatalf("deliveries = %v", deliveries)
	}
	// The system prompt leads the completion history.
	if hist := gw.histories[0]; hist[0].Role != message.RoleSystem {
		t.Fatalf("history starts with %q, want system", hist[0].Role)
	}
}

func TestProcessTurnSkipsHumanOwnedThread(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "should never be sent"}
	f := newFixture(gw, &textClassifier{})

	trigger := seedUserMessage(t, f.store, "talk to me")
	if _, err := f.handoff.Claim(context.Background(), threadKey().ID(), "op-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.orch.processTurn(context.Background(), threadKey(), trigger); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	if gw.calls() != 0 {
		t.Fatal("completion ran on a human-owned thread")
	}
	if len(f.adapter.deliveries()) != 0 {
		t.Fatal("automated reply delivered on a human-owned thread")
	}
}

func TestProcessTurnBlockedInputSendsFallback(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "unused"}
	f := newFixture(gw, &textClassifier{triggers: []string{"you idiot"}})

	trigger := seedUserMessage(t, f.store, "fix this you idiot")
	if err := f.orch.processTurn(context.Background(), threadKey(), trigger); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	if gw.calls() != 0 {
		t.Fatal("blocked input still reached the completion gateway")
	}
	got := lastAssistant(t, f.store)
	if got.Content != fallbackText {
		t.Fatalf("assistant content = %q, want fallback", got.Content)
	}

	stored, err := f.store.GetMessage(context.Background(), trigger.ThreadID, trigger.ID)
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	if !strings.Contains(stored.MetaString(message.MetaBlockReasons), "toxicity") {
		t.Fatalf("block reasons = %q", stored.MetaString(message.MetaBlockReasons))
	}
}

func TestProcessTurnBlockedOutputSendsFallback(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "reply with cursewords"}
	f := newFixture(gw, &textClassifier{triggers: []string{"cursewords"}})

	trigger := seedUserMessage(t, f.store, "hello")
	if err := f.orch.processTurn(context.Background(), threadKey(), trigger); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	got := lastAssistant(t, f.store)
	if got.Content != fallbackText {
		t.Fatalf("assistant content = %q, want fallback", got.Content)
	}
	if !strings.Contains(got.MetaString(message.MetaBlockReasons), "toxicity") {
		t.Fatalf("block reasons = %q", got.MetaString(message.MetaBlockReasons))
	}
	if deliveries := f.adapter.deliveries(); len(deliveries) != 1 || deliveries[0] != fallbackText {
		t.Fatalf("deliveries = %v", deliveries)
	}
}

func TestProcessTurnRedactsInputBeforeCompletion(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "noted"}
	f := newFixture(gw, &textClassifier{})

	trigger := seedUserMessage(t, f.store, "my email is jane@example.com")
	if err := f.orch.processTurn(context.Background(), threadKey(), trigger); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	hist := gw.histories[0]
	last := hist[len(hist)-1]
	if strings.Contains(last.Content, "example.com") {
		t.Fatalf("raw identifier reached completion: %q", last.Content)
	}
	// The stored message keeps the original text.
	stored, err := f.store.GetMessage(context.Background(), trigger.ThreadID, trigger.ID)
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	if !strings.Contains(stored.Content, "example.com") {
		t.Fatalf("stored content rewritten: %q", stored.Content)
	}
}

func seedMediaMessage(t *testing.T, store message.Store, caption string) message.Message {
	t.Helper()
	msg, err := store.Append(context.Background(), message.AppendInput{
		Key:         threadKey(),
		Role:        message.RoleUser,
		Content:     caption,
		ContentKind: message.KindImage,
		Metadata:    map[string]any{message.MetaAnalysisState: message.AnalysisPending},
	})
	if err != nil {
		t.Fatalf("seed media message: %v", err)
	}
	return msg
}

func TestScreenCaptionBlocksToxicCaption(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "unused"}
	f := newFixture(gw, &textClassifier{triggers: []string{"you idiot"}})

	att := seedMediaMessage(t, f.store, "look at this you idiot")
	if f.orch.screenCaption(context.Background(), threadKey(), att) {
		t.Fatal("toxic caption passed screening")
	}

	stored, err := f.store.GetMessage(context.Background(), att.ThreadID, att.ID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if !strings.Contains(stored.MetaString(message.MetaBlockReasons), "toxicity") {
		t.Fatalf("block reasons = %q", stored.MetaString(message.MetaBlockReasons))
	}
	if stored.MetaString(message.MetaAnalysisState) != message.AnalysisFailed {
		t.Fatalf("analysis state = %q, want failed", stored.MetaString(message.MetaAnalysisState))
	}
	if got := lastAssistant(t, f.store); got.Content != fallbackText {
		t.Fatalf("assistant content = %q, want fallback", got.Content)
	}
	if gw.calls() != 0 {
		t.Fatal("blocked caption still reached the completion gateway")
	}
}

func TestScreenCaptionRedactsIdentifiers(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "noted"}
	f := newFixture(gw, &textClassifier{})

	att := seedMediaMessage(t, f.store, "invoice for jane@example.com")
	if !f.orch.screenCaption(context.Background(), threadKey(), att) {
		t.Fatal("clean caption blocked by screening")
	}

	stored, err := f.store.GetMessage(context.Background(), att.ThreadID, att.ID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	redacted := stored.MetaString(message.MetaRedactedContent)
	if redacted == "" || strings.Contains(redacted, "example.com") {
		t.Fatalf("redacted caption = %q", redacted)
	}
	// The stored caption keeps the original text.
	if !strings.Contains(stored.Content, "example.com") {
		t.Fatalf("stored caption rewritten: %q", stored.Content)
	}
}

func TestProcessTurnRetriesCompletionOnce(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "second time lucky", errs: []error{errors.New("upstream hiccup")}}
	f := newFixture(gw, &textClassifier{})

	trigger := seedUserMessage(t, f.store, "hello?")
	if err := f.orch.processTurn(context.Background(), threadKey(), trigger); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	if gw.calls() != 2 {
		t.Fatalf("gateway called %d times, want 2", gw.calls())
	}
	if got := lastAssistant(t, f.store); got.Content != "second time lucky" {
		t.Fatalf("assistant content = %q", got.Content)
	}
}

func TestProcessTurnCompletionFailureSendsFallback(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{errs: []error{errors.New("down"), errors.New("still down")}}
	f := newFixture(gw, &textClassifier{})

	trigger := seedUserMessage(t, f.store, "hello?")
	if err := f.orch.processTurn(context.Background(), threadKey(), trigger); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	if got := lastAssistant(t, f.store); got.Content != fallbackText {
		t.Fatalf("assistant content = %q, want fallback", got.Content)
	}
}

func TestHandleInboundReportsDuplicates(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{reply: "hi"}
	f := newFixture(gw, &textClassifier{})

	ev := ingest.Event{
		Thread:          threadKey(),
		SourceMessageID: "42",
		Content:         "first delivery",
		Kind:            message.KindText,
	}
	outcome, err := f.orch.HandleInbound(context.Background(), ev)
	if err != nil {
		t.Fatalf("first inbound: %v", err)
	}
	if outcome != ingest.Accepted {
		t.Fatalf("first outcome = %v, want Accepted", outcome)
	}

	outcome, err = f.orch.HandleInbound(context.Background(), ev)
	if err != nil {
		t.Fatalf("second inbound: %v", err)
	}
	if outcome != ingest.Duplicate {
		t.Fatalf("second outcome = %v, want Duplicate", outcome)
	}
}

func TestSendOperatorRequiresOwnership(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	f := newFixture(gw, &textClassifier{})
	seedUserMessage(t, f.store, "anyone there?")

	_, err := f.orch.SendOperator(context.Background(), threadKey().ID(), "op-a", "hello from support")
	if !errors.Is(err, handoff.ErrConflict) {
		t.Fatalf("unclaimed send: got %v, want ErrConflict", err)
	}
}

func TestSendOperatorDeliversReply(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	f := newFixture(gw, &textClassifier{})
	seedUserMessage(t, f.store, "anyone there?")
	threadID := threadKey().ID()

	if _, err := f.handoff.Claim(context.Background(), threadID, "op-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stored, err := f.orch.SendOperator(context.Background(), threadID, "op-a", "hello from support")
	if err != nil {
		t.Fatalf("operator send: %v", err)
	}
	if stored.Role != message.RoleOperator {
		t.Fatalf("stored role = %q, want operator", stored.Role)
	}
	if stored.MetaString(message.MetaOperatorID) != "op-a" {
		t.Fatalf("operator id = %q", stored.MetaString(message.MetaOperatorID))
	}
	if deliveries := f.adapter.deliveries(); len(deliveries) != 1 || deliveries[0] != "hello from support" {
		t.Fatalf("deliveries = %v", deliveries)
	}
}

func TestSendOperatorBlockedOutputFallsBack(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	f := newFixture(gw, &textClassifier{triggers: []string{"cursewords"}})
	seedUserMessage(t, f.store, "anyone there?")
	threadID := threadKey().ID()

	if _, err := f.handoff.Claim(context.Background(), threadID, "op-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stored, err := f.orch.SendOperator(context.Background(), threadID, "op-a", "reply with cursewords")
	if err != nil {
		t.Fatalf("operator send: %v", err)
	}
	if stored.Content != fallbackText {
		t.Fatalf("stored content = %q, want fallback", stored.Content)
	}
	if !strings.Contains(stored.MetaString(message.MetaBlockReasons), "toxicity") {
		t.Fatalf("block reasons = %q", stored.MetaString(message.MetaBlockReasons))
	}
}
