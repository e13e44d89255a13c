// Package summary produces per-thread satisfaction summaries for the
// operator console: a numeric score, a mood bucket derived from it, and
// the main topics discussed.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/guardrails"
	"github.com/relaydesk/relaydesk/internal/llm"
	"github.com/relaydesk/relaydesk/internal/message"
)

// transcriptLimit bounds how much history feeds one summary.
const transcriptLimit = 50

// Mood is the coarse satisfaction bucket shown in thread lists.
type Mood string

const (
	MoodBad       Mood = "bad"
	MoodNeutral   Mood = "neutral"
	MoodGood      Mood = "good"
	MoodExcellent Mood = "excellent"
)

// Thresholds maps a 0-100 score onto a mood. A score below BadBelow is
// bad, below NeutralBelow neutral, below GoodBelow good, and excellent
// otherwise. Values must be strictly increasing.
type Thresholds struct {
	BadBelow     int
	NeutralBelow int
	GoodBelow    int
}

func (t Thresholds) Mood(score int) Mood {
	switch {
	case score < t.BadBelow:
		return MoodBad
	case score < t.NeutralBelow:
		return MoodNeutral
	case score < t.GoodBelow:
		return MoodGood
	default:
		return MoodExcellent
	}
}

// Summary is one thread's satisfaction snapshot.
type Summary struct {
	ThreadID       string    `json:"thread_id"`
	MessageCount   int       `json:"message_count"`
	FirstContactAt time.Time `json:"first_contact_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	Score          int       `json:"score"`
	Mood           Mood      `json:"mood"`
	Topics         []string  `json:"topics"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Service computes summaries on demand and caches them per message count,
// so repeated console views of a quiet thread cost nothing.
type Service struct {
	store      message.Store
	classifier guardrails.Classifier
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]Summary
}

func NewService(log *slog.Logger, store message.Store, classifier guardrails.Classifier, thresholds Thresholds) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      store,
		classifier: classifier,
		thresholds: thresholds,
		logger:     log.With(slog.String("service", "summary")),
		now:        time.Now,
		cache:      make(map[string]Summary),
	}
}

// Summarize returns the thread's current summary, recomputing only when
// messages arrived since the cached one.
func (s *Service) Summarize(ctx context.Context, threadID string) (Summary, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}

	s.mu.Lock()
	cached, ok := s.cache[threadID]
	s.mu.Unlock()
	if ok && cached.MessageCount == thread.MessageCount {
		return cached, nil
	}

	transcript, err := s.transcript(ctx, threadID)
	if err != nil {
		return Summary{}, err
	}
	if transcript == "" {
		return Summary{}, fmt.Errorf("summarize: thread %s has no conversation text", threadID)
	}

	raw, err := s.classifier.Classify(ctx, transcript, "sentiment")
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}
	var verdict struct {
		Score  int      `json:"score"`
		Topics []string `json:"topics"`
	}
	if err := llm.ExtractObject(raw, &verdict); err != nil {
		return Summary{}, fmt.Errorf("summarize: unparseable verdict: %w", err)
	}
	score := verdict.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	sum := Summary{
		ThreadID:       threadID,
		MessageCount:   thread.MessageCount,
		FirstContactAt: thread.CreatedAt,
		LastActiveAt:   thread.LastActiveAt,
		Score:          score,
		Mood:           s.thresholds.Mood(score),
		Topics:         verdict.Topics,
		GeneratedAt:    s.now(),
	}
	s.mu.Lock()
	s.cache[threadID] = sum
	s.mu.Unlock()
	return sum, nil
}

// SweepCache drops cached summaries older than maxAge and reports how
// many were evicted.
func (s *Service) SweepCache(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, sum := range s.cache {
		if sum.GeneratedAt.Before(cutoff) {
			delete(s.cache, id)
			evicted++
		}
	}
	return evicted
}

// transcript renders recent conversation turns oldest-first. System and
// analysis messages are excluded; the score should reflect what the
// customer and responders actually said.
func (s *Service) transcript(ctx context.Context, threadID string) (string, error) {
	recent, err := s.store.ListRecent(ctx, threadID, transcriptLimit)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	var b strings.Builder
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.Role == message.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
