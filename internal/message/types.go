// Package message defines the durable per-thread message log and its
// domain types. A thread is identified by the (channel type, channel id,
// external user id, agent id) tuple and is created implicitly on first
// inbound message.
package message

import (
	"context"
	"strings"
	"time"
)

// Role classifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleOperator  Role = "human_operator"
)

// ContentKind classifies the payload carried by a message.
type ContentKind string

const (
	KindText       ContentKind = "text"
	KindImage      ContentKind = "image"
	KindSticker    ContentKind = "sticker"
	KindOtherMedia ContentKind = "other_media"
)

// IsMedia reports whether the kind routes through the media analysis workflow.
func (k ContentKind) IsMedia() bool {
	return k == KindImage || k == KindSticker || k == KindOtherMedia
}

// Metadata keys attached to messages. Metadata is the only mutable part of
// a message once written; asynchronous follow-ups add keys, never remove.
const (
	MetaSourceMessageID  = "source_message_id"
	MetaMediaRef         = "media_ref"
	MetaAnalysisState    = "analysis_state"
	MetaAnalysisResult   = "analysis_result"
	MetaRelatedMessageID = "related_message_id"
	MetaOperatorID       = "operator_id"
	MetaBlockReasons     = "block_reasons"
	MetaRedactedContent  = "redacted_content"
	MetaDeliveryTarget   = "delivery_target"
)

// Analysis lifecycle values stored under MetaAnalysisState. The state only
// moves forward: pending to exactly one of the terminal values.
const (
	AnalysisPending  = "pending"
	AnalysisComplete = "complete"
	AnalysisFailed   = "failed"
)

// ThreadKey is the identifying tuple for a conversation thread.
type ThreadKey struct {
	ChannelType    string `json:"channel_type" validate:"required"`
	ChannelID      string `json:"channel_id" validate:"required"`
	ExternalUserID string `json:"external_user_id" validate:"required"`
	AgentID        string `json:"agent_id" validate:"required"`
}

// ID renders the stable thread identifier for the tuple.
func (k ThreadKey) ID() string {
	return strings.Join([]string{k.ChannelType, k.ChannelID, k.ExternalUserID, k.AgentID}, ":")
}

// Valid reports whether every identifying field is present.
func (k ThreadKey) Valid() bool {
	return strings.TrimSpace(k.ChannelType) != "" &&
		strings.TrimSpace(k.ChannelID) != "" &&
		strings.TrimSpace(k.ExternalUserID) != "" &&
		strings.TrimSpace(k.AgentID) != ""
}

// Thread is the stored view of a conversation thread.
type Thread struct {
	ID           string    `json:"id"`
	Key          ThreadKey `json:"key"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Message is a single entry in a thread's append-only log.
type Message struct {
	ID             int64          `json:"id"`
	ThreadID       string         `json:"thread_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ContentKind    ContentKind    `json:"content_kind"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MetaString returns the string metadata value for key, or "".
func (m Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// AppendInput is the input for appending a message to a thread.
type AppendInput struct {
	Key            ThreadKey
	Role           Role
	Content        string
	ContentKind    ContentKind
	Metadata       map[string]any
	IdempotencyKey string
}

// Store is the durable message log. Appends for a single thread are
// linearized: two concurrent appends to the same thread never interleave.
type Store interface {
	// Append persists a message, implicitly creating the thread, and
	// returns the stored message with id and timestamp assigned.
	Append(ctx context.Context, input AppendInput) (Message, error)

	// AttachMetadata merges keys into an existing message's metadata.
	// Keys not named are preserved.
	AttachMetadata(ctx context.Context, threadID string, messageID int64, keys map[string]any) error

	// ListRecent returns up to limit messages, newest first.
	ListRecent(ctx context.Context, threadID string, limit int) ([]Message, error)

	// ListSince returns messages created after since, oldest first.
	ListSince(ctx context.Context, threadID string, since time.Time) ([]Message, error)

	// GetMessage returns a single message by thread and id.
	GetMessage(ctx context.Context, threadID string, messageID int64) (Message, error)

	// HasRecentEquivalent reports whether an equivalent (content, kind)
	// user message was appended to the thread within the trailing window.
	HasRecentEquivalent(ctx context.Context, threadID, content string, kind ContentKind, window time.Duration) (bool, error)

	// GetThread returns thread info, including message count.
	GetThread(ctx context.Context, threadID string) (Thread, error)

	// ListThreads returns all threads, most recently active first.
	ListThreads(ctx context.Context) ([]Thread, error)
}
