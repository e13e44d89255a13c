// Package handoff tracks who answers a thread: the automated agent or a
// human operator. A thread without a recorded state is automated.
package handoff

import (
	"context"
	"errors"
	"time"
)

// State is the ownership mode of a thread.
type State string

const (
	StateAutomated  State = "automated"
	StateHumanOwned State = "human_owned"
)

// ErrConflict is returned when a claim collides with a different operator
// already owning the thread.
var ErrConflict = errors.New("thread is owned by another operator")

// Ownership is the stored ownership record for a thread.
type Ownership struct {
	ThreadID     string    `json:"thread_id"`
	State        State     `json:"state"`
	OperatorID   string    `json:"operator_id,omitempty"`
	ClaimedAt    time.Time `json:"claimed_at,omitempty"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
}

// Store persists ownership records. Get on an unknown thread returns the
// automated zero state, not an error.
type Store interface {
	Get(ctx context.Context, threadID string) (Ownership, error)
	Put(ctx context.Context, o Ownership) error
	// ListIdleHuman returns human-owned threads whose last operator
	// activity is older than the cutoff.
	ListIdleHuman(ctx context.Context, cutoff time.Time) ([]Ownership, error)
}
