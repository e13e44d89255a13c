package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaydesk/relaydesk/internal/agent"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/telegram"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/webwidget"
	"github.com/relaydesk/relaydesk/internal/classify"
	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/guardrails"
	"github.com/relaydesk/relaydesk/internal/handlers"
	"github.com/relaydesk/relaydesk/internal/handoff"
	"github.com/relaydesk/relaydesk/internal/history"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/logger"
	"github.com/relaydesk/relaydesk/internal/maintenance"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/message/event"
	"github.com/relaydesk/relaydesk/internal/orchestrator"
	"github.com/relaydesk/relaydesk/internal/server"
	"github.com/relaydesk/relaydesk/internal/summary"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)

			if err := db.Migrate(cfg.Postgres); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			app := fx.New(
				fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
					return &fxevent.SlogLogger{Logger: log}
				}),
				fx.Supply(cfg),
				fx.Provide(
					func() *slog.Logger { return logger.L },
					newPool,
					event.NewHub,
					func(h *event.Hub) event.Publisher { return h },
					func(h *event.Hub) event.Subscriber { return h },
					newMessageStore,
					func(pool *pgxpool.Pool) handoff.Store { return handoff.NewPGStore(pool) },
					handoff.NewService,
					newClassifier,
					func(c *classify.OpenAIClient) classify.Capability { return c },
					func(c *classify.OpenAIClient) guardrails.Classifier { return c },
					guardrails.NewPipeline,
					newGateway,
					newDedupCache,
					newIngestService,
					history.NewAssembler,
					newRegistry,
					agent.NewResolver,
					media.NewWorkflow,
					orchestrator.New,
					newSummaryService,
					maintenance.New,
					server.New,

					asHandler(handlers.NewPingHandler),
					asHandler(handlers.NewTelegramHandler),
					asHandler(handlers.NewWidgetHandler),
					asHandler(handlers.NewConsoleHandler),
				),
				fx.Invoke(run),
			)
			app.Run()
			return nil
		},
	}
}

func asHandler(f any) any {
	return fx.Annotate(f, fx.As(new(server.Handler)), fx.ResultTags(`group:"server_handlers"`))
}

func newPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func newMessageStore(log *slog.Logger, pool *pgxpool.Pool, pub event.Publisher) message.Store {
	return message.NewPGStore(log, pool, pub)
}

func newClassifier(log *slog.Logger, cfg config.Config) *classify.OpenAIClient {
	model := cfg.Completion.ClassifyModel
	if model == "" {
		model = cfg.Completion.Model
	}
	return classify.NewOpenAIClient(log, cfg.Completion.BaseURL, cfg.Completion.APIKey, model, cfg.Completion.Timeout())
}

func newGateway(log *slog.Logger, cfg config.Config) completion.Gateway {
	return completion.NewOpenAIGateway(log, cfg.Completion.BaseURL, cfg.Completion.APIKey, cfg.Completion.Model, cfg.Completion.Timeout())
}

func newDedupCache(cfg config.Config) *ingest.DedupCache {
	return ingest.NewDedupCache(cfg.Dedup.Retention())
}

func newIngestService(log *slog.Logger, store message.Store, dedup *ingest.DedupCache, cfg config.Config) *ingest.Service {
	return ingest.NewService(log, store, dedup, cfg.Dedup.ContentWindow())
}

// newRegistry wires the configured channel adapters. A missing Telegram
// token just leaves that channel unregistered.
func newRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	registry := channel.NewRegistry()
	registry.Register(webwidget.New(log))
	if cfg.Telegram.BotToken != "" {
		adapter, err := telegram.New(log, cfg.Telegram.BotToken)
		if err != nil {
			log.Error("telegram adapter unavailable", slog.Any("error", err))
		} else {
			registry.Register(adapter)
		}
	}
	return registry
}

func newSummaryService(log *slog.Logger, store message.Store, classifier guardrails.Classifier, cfg config.Config) *summary.Service {
	return summary.NewService(log, store, classifier, summary.Thresholds{
		BadBelow:     cfg.Summary.BadBelow,
		NeutralBelow: cfg.Summary.NeutralBelow,
		GoodBelow:    cfg.Summary.GoodBelow,
	})
}

func run(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, e *echo.Echo, jobs *maintenance.Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			jobs.Start()
			go func() {
				log.Info("server listening", slog.String("addr", cfg.Server.Addr))
				if err := e.Start(cfg.Server.Addr); err != nil {
					log.Error("server stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			jobs.Stop()
			return e.Shutdown(ctx)
		},
	})
}
