package handoff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists ownership records in the handoff_states table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, threadID string) (Ownership, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT thread_id, state, COALESCE(operator_id, ''), claimed_at, last_active_at
		FROM handoff_states WHERE thread_id = $1`, threadID)

	var (
		o       Ownership
		state   string
		claimed sql.NullTime
		lastAct sql.NullTime
	)
	err := row.Scan(&o.ThreadID, &state, &o.OperatorID, &claimed, &lastAct)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ownership{ThreadID: threadID, State: StateAutomated}, nil
	}
	if err != nil {
		return Ownership{}, fmt.Errorf("select handoff state: %w", err)
	}
	o.State = State(state)
	if claimed.Valid {
		o.ClaimedAt = claimed.Time
	}
	if lastAct.Valid {
		o.LastActiveAt = lastAct.Time
	}
	return o, nil
}

func (s *PGStore) Put(ctx context.Context, o Ownership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO handoff_states (thread_id, state, operator_id, claimed_at, last_active_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (thread_id) DO UPDATE SET
			state = EXCLUDED.state,
			operator_id = EXCLUDED.operator_id,
			claimed_at = EXCLUDED.claimed_at,
			last_active_at = EXCLUDED.last_active_at`,
		o.ThreadID, string(o.State), o.OperatorID,
		nullTime(o.ClaimedAt), nullTime(o.LastActiveAt))
	if err != nil {
		return fmt.Errorf("upsert handoff state: %w", err)
	}
	return nil
}

func (s *PGStore) ListIdleHuman(ctx context.Context, cutoff time.Time) ([]Ownership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT thread_id, COALESCE(operator_id, ''), claimed_at, last_active_at
		FROM handoff_states
		WHERE state = $1 AND last_active_at < $2`,
		string(StateHumanOwned), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select idle threads: %w", err)
	}
	defer rows.Close()

	var out []Ownership
	for rows.Next() {
		o := Ownership{State: StateHumanOwned}
		var claimed, lastAct sql.NullTime
		if err := rows.Scan(&o.ThreadID, &o.OperatorID, &claimed, &lastAct); err != nil {
			return nil, fmt.Errorf("scan idle thread: %w", err)
		}
		if claimed.Valid {
			o.ClaimedAt = claimed.Time
		}
		if lastAct.Valid {
			o.LastActiveAt = lastAct.Time
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
