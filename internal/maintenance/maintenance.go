// Package maintenance runs the periodic background jobs: dedup cache
// sweeps, idle handoff release, and summary cache eviction.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/handoff"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/summary"
)

// summaryCacheMaxAge is how long a cached thread summary may sit unused.
const summaryCacheMaxAge = 24 * time.Hour

type Service struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func New(
	log *slog.Logger,
	cfg config.Config,
	dedup *ingest.DedupCache,
	handoffSvc *handoff.Service,
	summarySvc *summary.Service,
) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("service", "maintenance"))
	c := cron.New()

	if _, err := c.AddFunc("@every 5m", func() {
		if dropped := dedup.Sweep(); dropped > 0 {
			log.Debug("dedup cache swept", slog.Int("dropped", dropped))
		}
	}); err != nil {
		return nil, err
	}

	if idle := cfg.Handoff.IdleRelease(); idle > 0 {
		if _, err := c.AddFunc("@every 1m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := handoffSvc.ReleaseIdle(ctx, idle); err != nil {
				log.Warn("idle release sweep failed", slog.Any("error", err))
			}
		}); err != nil {
			return nil, err
		}
	}

	if _, err := c.AddFunc("@hourly", func() {
		if evicted := summarySvc.SweepCache(summaryCacheMaxAge); evicted > 0 {
			log.Debug("summary cache swept", slog.Int("evicted", evicted))
		}
	}); err != nil {
		return nil, err
	}

	return &Service{cron: c, logger: log}, nil
}

func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("background jobs started")
}

func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("background jobs stopped")
}
