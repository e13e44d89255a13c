package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Service applies the ownership transition rules. Transitions for one
// thread are serialized; reads are lock-free against the store.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(log *slog.Logger, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "handoff")),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) lock(threadID string) func() {
	s.mu.Lock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[threadID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// State returns the current ownership of a thread.
func (s *Service) State(ctx context.Context, threadID string) (Ownership, error) {
	o, err := s.store.Get(ctx, threadID)
	if err != nil {
		return Ownership{}, fmt.Errorf("read ownership: %w", err)
	}
	return o, nil
}

// Claim moves a thread to human ownership for operatorID. Claiming a
// thread one already owns is a no-op; claiming a thread another operator
// owns fails with ErrConflict.
func (s *Service) Claim(ctx context.Context, threadID, operatorID string) (Ownership, error) {
	unlock := s.lock(threadID)
	defer unlock()

	o, err := s.store.Get(ctx, threadID)
	if err != nil {
		return Ownership{}, fmt.Errorf("claim: %w", err)
	}
	if o.State == StateHumanOwned {
		if o.OperatorID == operatorID {
			return o, nil
		}
		return Ownership{}, fmt.Errorf("claim %s: %w", threadID, ErrConflict)
	}

	now := s.now()
	o = Ownership{
		ThreadID:     threadID,
		State:        StateHumanOwned,
		OperatorID:   operatorID,
		ClaimedAt:    now,
		LastActiveAt: now,
	}
	if err := s.store.Put(ctx, o); err != nil {
		return Ownership{}, fmt.Errorf("claim: %w", err)
	}
	s.logger.Info("thread claimed",
		slog.String("thread", threadID), slog.String("operator", operatorID))
	return o, nil
}

// Release returns a thread to the automated agent. Releasing an already
// automated thread is a no-op. Only the owning operator may release;
// operatorID "" is treated as administrative and always allowed.
func (s *Service) Release(ctx context.Context, threadID, operatorID string) (Ownership, error) {
	unlock := s.lock(threadID)
	defer unlock()

	o, err := s.store.Get(ctx, threadID)
	if err != nil {
		return Ownership{}, fmt.Errorf("release: %w", err)
	}
	if o.State != StateHumanOwned {
		return Ownership{ThreadID: threadID, State: StateAutomated}, nil
	}
	if operatorID != "" && o.OperatorID != operatorID {
		return Ownership{}, fmt.Errorf("release %s: %w", threadID, ErrConflict)
	}

	o = Ownership{ThreadID: threadID, State: StateAutomated, LastActiveAt: s.now()}
	if err := s.store.Put(ctx, o); err != nil {
		return Ownership{}, fmt.Errorf("release: %w", err)
	}
	s.logger.Info("thread released", slog.String("thread", threadID))
	return o, nil
}

// ForceTransfer reassigns a human-owned thread to another operator without
// the current owner's involvement. Transferring an automated thread is
// equivalent to a claim.
func (s *Service) ForceTransfer(ctx context.Context, threadID, operatorID string) (Ownership, error) {
	unlock := s.lock(threadID)
	defer unlock()

	now := s.now()
	o := Ownership{
		ThreadID:     threadID,
		State:        StateHumanOwned,
		OperatorID:   operatorID,
		ClaimedAt:    now,
		LastActiveAt: now,
	}
	if err := s.store.Put(ctx, o); err != nil {
		return Ownership{}, fmt.Errorf("force transfer: %w", err)
	}
	s.logger.Info("thread force-transferred",
		slog.String("thread", threadID), slog.String("operator", operatorID))
	return o, nil
}

// Touch records operator activity on a human-owned thread so the idle
// release timer restarts. It is a no-op for automated threads.
func (s *Service) Touch(ctx context.Context, threadID string) error {
	unlock := s.lock(threadID)
	defer unlock()

	o, err := s.store.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	if o.State != StateHumanOwned {
		return nil
	}
	o.LastActiveAt = s.now()
	if err := s.store.Put(ctx, o); err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	return nil
}

// ReleaseIdle returns to automation every human-owned thread idle longer
// than the given duration and reports how many were released. A zero or
// negative idle duration disables the sweep.
func (s *Service) ReleaseIdle(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-idle)
	stale, err := s.store.ListIdleHuman(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle threads: %w", err)
	}
	released := 0
	for _, o := range stale {
		if _, err := s.Release(ctx, o.ThreadID, ""); err != nil {
			s.logger.Warn("idle release failed",
				slog.String("thread", o.ThreadID), slog.Any("error", err))
			continue
		}
		released++
	}
	if released > 0 {
		s.logger.Info("released idle threads", slog.Int("count", released))
	}
	return released, nil
}
