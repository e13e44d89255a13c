// Package guardrails validates and transforms text at the two policy
// checkpoints of a conversation turn: inbound user text before the
// completion call, and outbound agent text before channel delivery.
package guardrails

// CheckKind names an individually toggleable policy check.
type CheckKind string

const (
	CheckToxicity CheckKind = "toxicity"
	CheckContent  CheckKind = "content"
	CheckPrivacy  CheckKind = "privacy"
	CheckTopic    CheckKind = "topic"
	CheckLength   CheckKind = "length"
)

// Policy is the declarative set of checks applied by the pipeline.
// Zero-valued toggles disable their checks.
type Policy struct {
	Toxicity bool
	Content  bool
	Privacy  bool
	Topic    bool
	Length   bool

	// TopicsAllow, when non-empty, restricts conversations to the listed
	// topics; TopicsDeny blocks the listed topics outright.
	TopicsAllow []string
	TopicsDeny  []string

	// MaxReplyRunes bounds outbound reply length. Zero means unbounded.
	MaxReplyRunes int

	// Fallback is the safe replacement text delivered when a check blocks.
	Fallback string
}

// Result is the outcome of running the pipeline over one text.
type Result struct {
	// Text is the (possibly rewritten) text when not blocked, or the
	// original input when blocked. Callers must substitute Policy.Fallback
	// for delivery when Blocked is true.
	Text    string
	Blocked bool
	Reasons []string
}
