// Package ingest normalizes inbound channel events, filters duplicate
// deliveries, and persists accepted messages before any processing starts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/relaydesk/relaydesk/internal/message"
)

// Event is a normalized inbound message from any channel adapter.
type Event struct {
	Thread          message.ThreadKey `validate:"required"`
	SourceMessageID string            `validate:"required"`
	Content         string
	Kind            message.ContentKind `validate:"required"`
	MediaRef        string
	Metadata        map[string]any
}

// Outcome classifies the result of ingesting one event.
type Outcome int

const (
	// Accepted means the event was persisted and should be processed.
	Accepted Outcome = iota
	// Duplicate means the event matched an earlier delivery and was dropped.
	Duplicate
)

// Service performs the synchronous half of inbound handling: validate,
// dedup, persist. Processing happens after Ingest returns.
type Service struct {
	store    message.Store
	dedup    *DedupCache
	window   time.Duration
	validate *validator.Validate
	logger   *slog.Logger
}

func NewService(log *slog.Logger, store message.Store, dedup *DedupCache, contentWindow time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if contentWindow <= 0 {
		contentWindow = 30 * time.Second
	}
	return &Service{
		store:    store,
		dedup:    dedup,
		window:   contentWindow,
		validate: validator.New(),
		logger:   log.With(slog.String("service", "ingest")),
	}
}

// Ingest applies both duplicate filters and persists the event as a user
// message. The returned message is valid only when the outcome is Accepted.
//
// Exact-ID duplicates are caught twice: by the in-memory cache for the
// common fast path, and by the store's idempotency key for deliveries that
// race past the cache or arrive after a restart.
func (s *Service) Ingest(ctx context.Context, ev Event) (message.Message, Outcome, error) {
	if err := s.validate.Struct(ev); err != nil {
		return message.Message{}, 0, fmt.Errorf("invalid inbound event: %w", err)
	}
	if !ev.Thread.Valid() {
		return message.Message{}, 0, fmt.Errorf("invalid inbound event: incomplete thread key")
	}
	threadID := ev.Thread.ID()

	if s.dedup.Remember(threadID, ev.SourceMessageID) {
		s.logger.Debug("dropped exact duplicate",
			slog.String("thread", threadID), slog.String("source_id", ev.SourceMessageID))
		return message.Message{}, Duplicate, nil
	}

	if ev.Kind == message.KindText {
		equivalent, err := s.store.HasRecentEquivalent(ctx, threadID, ev.Content, ev.Kind, s.window)
		if err != nil {
			return message.Message{}, 0, fmt.Errorf("content dedup check: %w", err)
		}
		if equivalent {
			s.logger.Debug("dropped content-equivalent duplicate", slog.String("thread", threadID))
			return message.Message{}, Duplicate, nil
		}
	}

	meta := map[string]any{message.MetaSourceMessageID: ev.SourceMessageID}
	if ev.MediaRef != "" {
		meta[message.MetaMediaRef] = ev.MediaRef
		meta[message.MetaAnalysisState] = message.AnalysisPending
	}
	for k, v := range ev.Metadata {
		meta[k] = v
	}

	stored, err := s.store.Append(ctx, message.AppendInput{
		Key:            ev.Thread,
		Role:           message.RoleUser,
		Content:        ev.Content,
		ContentKind:    ev.Kind,
		Metadata:       meta,
		IdempotencyKey: threadID + ":" + ev.SourceMessageID,
	})
	if errors.Is(err, message.ErrDuplicate) {
		s.logger.Debug("dropped duplicate at persistence",
			slog.String("thread", threadID), slog.String("source_id", ev.SourceMessageID))
		return message.Message{}, Duplicate, nil
	}
	if err != nil {
		return message.Message{}, 0, fmt.Errorf("persist inbound message: %w", err)
	}
	return stored, Accepted, nil
}
