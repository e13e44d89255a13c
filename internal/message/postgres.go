package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/message/event"
)

const pgUniqueViolation = "23505"

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool      *pgxpool.Pool
	locks     *threadLocks
	logger    *slog.Logger
	publisher event.Publisher
}

// NewPGStore creates a Postgres message store.
func NewPGStore(log *slog.Logger, pool *pgxpool.Pool, publishers ...event.Publisher) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	var publisher event.Publisher
	if len(publishers) > 0 {
		publisher = publishers[0]
	}
	return &PGStore{
		pool:      pool,
		locks:     newThreadLocks(),
		logger:    log.With(slog.String("service", "message_store")),
		publisher: publisher,
	}
}

func (s *PGStore) Append(ctx context.Context, input AppendInput) (Message, error) {
	if !input.Key.Valid() {
		return Message{}, fmt.Errorf("append: incomplete thread key")
	}
	threadID := input.Key.ID()

	// Per-thread ordering lock, held only around the transactional append.
	unlock := s.locks.lock(threadID)
	defer unlock()

	metaBytes, err := json.Marshal(nonNilMeta(input.Metadata))
	if err != nil {
		return Message{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO threads (id, channel_type, channel_id, external_user_id, agent_id, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (id) DO UPDATE SET last_active_at = now()`,
		threadID, input.Key.ChannelType, input.Key.ChannelID, input.Key.ExternalUserID, input.Key.AgentID)
	if err != nil {
		return Message{}, fmt.Errorf("upsert thread: %w", err)
	}

	var (
		msg       Message
		idemKey   = strings.TrimSpace(input.IdempotencyKey)
		createdAt time.Time
	)
	row := tx.QueryRow(ctx, `
		INSERT INTO messages (thread_id, role, content, content_kind, metadata, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id, created_at`,
		threadID, string(input.Role), input.Content, string(input.ContentKind), metaBytes, idemKey)
	if err := row.Scan(&msg.ID, &createdAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Message{}, ErrDuplicate
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}

	msg.ThreadID = threadID
	msg.Role = input.Role
	msg.Content = input.Content
	msg.ContentKind = input.ContentKind
	msg.Metadata = input.Metadata
	msg.IdempotencyKey = idemKey
	msg.CreatedAt = createdAt.UTC()

	publishCreated(s.publisher, msg)
	return msg, nil
}

func (s *PGStore) AttachMetadata(ctx context.Context, threadID string, messageID int64, keys map[string]any) error {
	patch, err := json.Marshal(nonNilMeta(keys))
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET metadata = metadata || $3::jsonb
		WHERE thread_id = $1 AND id = $2`,
		threadID, messageID, patch)
	if err != nil {
		return fmt.Errorf("attach metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListRecent(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, role, content, content_kind, metadata, COALESCE(idempotency_key, ''), created_at
		FROM messages WHERE thread_id = $1
		ORDER BY id DESC LIMIT $2`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PGStore) ListSince(ctx context.Context, threadID string, since time.Time) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, role, content, content_kind, metadata, COALESCE(idempotency_key, ''), created_at
		FROM messages WHERE thread_id = $1 AND created_at > $2
		ORDER BY id ASC`,
		threadID, since)
	if err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PGStore) GetMessage(ctx context.Context, threadID string, messageID int64) (Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, thread_id, role, content, content_kind, metadata, COALESCE(idempotency_key, ''), created_at
		FROM messages WHERE thread_id = $1 AND id = $2`,
		threadID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

func (s *PGStore) HasRecentEquivalent(ctx context.Context, threadID, content string, kind ContentKind, window time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE thread_id = $1 AND role = 'user' AND content = $2 AND content_kind = $3
			AND created_at > now() - $4::interval
		)`,
		threadID, content, string(kind), fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("recent equivalent check: %w", err)
	}
	return exists, nil
}

func (s *PGStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT t.id, t.channel_type, t.channel_id, t.external_user_id, t.agent_id, t.created_at, t.last_active_at,
			(SELECT count(*) FROM messages m WHERE m.thread_id = t.id)
		FROM threads t WHERE t.id = $1`,
		threadID)
	thread, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return thread, err
}

func (s *PGStore) ListThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.channel_type, t.channel_id, t.external_user_id, t.agent_id, t.created_at, t.last_active_at,
			(SELECT count(*) FROM messages m WHERE m.thread_id = t.id)
		FROM threads t ORDER BY t.last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg       Message
		role      string
		kind      string
		metaBytes []byte
	)
	if err := row.Scan(&msg.ID, &msg.ThreadID, &role, &msg.Content, &kind, &metaBytes, &msg.IdempotencyKey, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	msg.Role = Role(role)
	msg.ContentKind = ContentKind(kind)
	msg.Metadata = parseMeta(metaBytes)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func scanThread(row pgx.Row) (Thread, error) {
	var thread Thread
	if err := row.Scan(&thread.ID, &thread.Key.ChannelType, &thread.Key.ChannelID,
		&thread.Key.ExternalUserID, &thread.Key.AgentID,
		&thread.CreatedAt, &thread.LastActiveAt, &thread.MessageCount); err != nil {
		return Thread{}, err
	}
	thread.CreatedAt = thread.CreatedAt.UTC()
	thread.LastActiveAt = thread.LastActiveAt.UTC()
	return thread, nil
}

func nonNilMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func parseMeta(data []byte) map[string]any {
	if len(data) == 0 || string(data) == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("parse message metadata failed", slog.Any("error", err))
		return nil
	}
	return m
}
