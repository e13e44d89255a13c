// Package fanout shapes message activity into the compact notifications
// delivered over the live event stream and the polling fallback.
package fanout

import (
	"time"
	"unicode/utf8"

	"github.com/relaydesk/relaydesk/internal/message"
)

// summaryRunes bounds the preview text carried in a notification.
const summaryRunes = 140

// Poll interval hints returned to polling clients. A client whose thread
// is already covered by a live event stream backs off to the wide hint;
// without live coverage the poll is the only delivery path, so it stays
// tight.
const (
	PollTight = 2 * time.Second
	PollWide  = 15 * time.Second
)

// Notification is the wire shape pushed to subscribers and returned from
// polls. It carries a preview, not the full message body; clients fetch
// the thread when they need more.
type Notification struct {
	ThreadID  string              `json:"thread_id"`
	MessageID int64               `json:"message_id"`
	Role      message.Role        `json:"role"`
	Kind      message.ContentKind `json:"kind"`
	Preview   string              `json:"preview"`
	CreatedAt time.Time           `json:"created_at"`
}

// FromMessage builds the notification for a stored message.
func FromMessage(m message.Message) Notification {
	return Notification{
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		Role:      m.Role,
		Kind:      m.ContentKind,
		Preview:   truncate(m.Content, summaryRunes),
		CreatedAt: m.CreatedAt,
	}
}

// PollInterval suggests how soon a polling client should come back given
// how many live subscriptions already cover the thread.
func PollInterval(liveSubscriptions int) time.Duration {
	if liveSubscriptions > 0 {
		return PollWide
	}
	return PollTight
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
