// Package history assembles the memory-bounded prompt context for a
// completion call from a thread's message log.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaydesk/relaydesk/internal/message"
)

// DefaultLimit bounds the number of log messages included when the agent
// configuration does not say otherwise.
const DefaultLimit = 20

// Assembler builds chronological, budget-bounded histories. The budget
// counts stored log messages; the injected system prompt rides on top.
type Assembler struct {
	store message.Store
}

func NewAssembler(store message.Store) *Assembler {
	return &Assembler{store: store}
}

// Assemble returns up to limit of the thread's newest messages in
// chronological order, with systemPrompt (when non-empty) prepended as a
// system message. Media messages are rendered as textual placeholders so
// the completion model sees a coherent transcript even before their
// analysis lands.
//
// analysisPending reports whether the newest message is an attachment
// whose analysis has not finished. Assemble never blocks on it; the
// caller decides whether to wait or proceed with the placeholder.
func (a *Assembler) Assemble(ctx context.Context, threadID, systemPrompt string, limit int) (msgs []message.Message, analysisPending bool, err error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	recent, err := a.store.ListRecent(ctx, threadID, limit)
	if err != nil {
		return nil, false, fmt.Errorf("assemble history: %w", err)
	}
	if len(recent) > 0 {
		newest := recent[0]
		analysisPending = newest.ContentKind.IsMedia() &&
			newest.MetaString(message.MetaAnalysisState) == message.AnalysisPending
	}

	out := make([]message.Message, 0, len(recent)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, message.Message{
			ThreadID: threadID,
			Role:     message.RoleSystem,
			Content:  systemPrompt,
		})
	}
	// ListRecent is newest-first; walk backwards to restore log order.
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.ContentKind.IsMedia() {
			m.Content = renderMedia(m)
		}
		out = append(out, m)
	}
	return out, analysisPending, nil
}

// renderMedia produces the transcript line for a media message.
func renderMedia(m message.Message) string {
	var label string
	switch m.ContentKind {
	case message.KindImage:
		label = "[image attachment]"
	case message.KindSticker:
		label = "[sticker]"
	default:
		label = "[attachment]"
	}
	switch m.MetaString(message.MetaAnalysisState) {
	case message.AnalysisPending:
		label += " (analysis in progress)"
	case message.AnalysisFailed:
		label += " (could not be analyzed)"
	}
	caption := strings.TrimSpace(m.Content)
	if redacted := strings.TrimSpace(m.MetaString(message.MetaRedactedContent)); redacted != "" {
		caption = redacted
	}
	if caption != "" {
		label += " " + caption
	}
	return label
}
