package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/chatgate/internal/bots"
	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/messenger"
	"github.com/memohai/chatgate/internal/channel/adapters/meta"
	"github.com/memohai/chatgate/internal/channel/adapters/telegram"
	"github.com/memohai/chatgate/internal/channel/adapters/whatsapp"
	"github.com/memohai/chatgate/internal/channel/adapters/whatsappbusiness"
	"github.com/memohai/chatgate/internal/chat"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/db"
	"github.com/memohai/chatgate/internal/dedup"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/embeddings"
	"github.com/memohai/chatgate/internal/handlers"
	"github.com/memohai/chatgate/internal/healthcheck"
	channelchecker "github.com/memohai/chatgate/internal/healthcheck/checkers/channel"
	pingchecker "github.com/memohai/chatgate/internal/healthcheck/checkers/ping"
	"github.com/memohai/chatgate/internal/knowledge"
	"github.com/memohai/chatgate/internal/logger"
	"github.com/memohai/chatgate/internal/responder"
	"github.com/memohai/chatgate/internal/server"
	"github.com/memohai/chatgate/internal/session"
	"github.com/memohai/chatgate/internal/settings"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideDBTX,
			provideRedisClient,
			provideCipher,
			provideSettingsService,
			provideEmbeddingsResolver,
			provideKnowledgeSource,
			provideKnowledgeEngine,
			provideChatResolver,
			provideGenerator,
			bots.NewService,
			provideSessionManager,
			provideGraphClient,
			provideWhatsAppAdapter,
			provideChannelRegistry,
			channel.NewStore,
			provideDedupGuard,
			provideDispatcher,
			provideChannelManager,
			provideHealthCheckers,
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideIntegrationsHandler),
			provideServerHandler(provideSessionsHandler),
			provideServerHandler(provideTeamsHandler),
			provideServerHandler(providePingHandler),
			provideServer,
		),
		fx.Invoke(
			startDedupSweeper,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideDBTX(conn *pgxpool.Pool) db.DBTX { return conn }

// provideRedisClient returns nil when no redis URL is configured.
func provideRedisClient(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		return nil, nil
	}
	client, err := dedup.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	log.Info("redis configured", slog.String("addr", client.Options().Addr))
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return client, nil
}

func provideCipher(log *slog.Logger, cfg config.Config) (*settings.Cipher, error) {
	if strings.TrimSpace(cfg.Security.SecretKey) == "" {
		log.Warn("security.secret_key is not set; team API keys cannot be stored")
		return nil, nil
	}
	return settings.NewCipher(cfg.Security.SecretKey)
}

func provideSettingsService(log *slog.Logger, queries db.DBTX, cipher *settings.Cipher) *settings.Service {
	return settings.NewService(log, queries, cipher)
}

func provideEmbeddingsResolver(log *slog.Logger, cfg config.Config, svc *settings.Service) *embeddings.Resolver {
	return embeddings.NewResolver(log, svc, embeddings.Options{
		Timeout:     cfg.Embedding.TimeoutDuration(),
		GeminiModel: cfg.Embedding.GeminiModel,
	})
}

func provideKnowledgeSource(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, queries db.DBTX) (knowledge.Source, error) {
	if cfg.Knowledge.Backend != "qdrant" {
		return knowledge.NewPostgresSource(queries), nil
	}
	client, err := knowledge.NewQdrantClient(cfg.Qdrant)
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	log.Info("knowledge backed by qdrant", slog.String("collection", cfg.Qdrant.Collection))
	return knowledge.NewQdrantSource(client, cfg.Qdrant.Collection), nil
}

func provideKnowledgeEngine(log *slog.Logger, cfg config.Config, source knowledge.Source, resolver *embeddings.Resolver) *knowledge.Engine {
	return knowledge.NewEngine(log, source, resolver, cfg.Knowledge.TopK)
}

func provideChatResolver(log *slog.Logger, cfg config.Config, svc *settings.Service) *chat.Resolver {
	return chat.NewResolver(log, svc, chat.Options{
		Timeout:   cfg.LLM.TimeoutDuration(),
		MaxTokens: cfg.LLM.MaxTokens,
		AppName:   cfg.App.Name,
		AppURL:    cfg.App.URL,
	})
}

func provideGenerator(log *slog.Logger, cfg config.Config, engine *knowledge.Engine, resolver *chat.Resolver) *responder.Generator {
	return responder.NewGenerator(log, engine, resolver, responder.Options{
		TopK:         cfg.Knowledge.TopK,
		HistoryTurns: cfg.LLM.HistoryTurns,
	})
}

func provideSessionManager(log *slog.Logger, conn *pgxpool.Pool) *session.Manager {
	return session.NewManager(log, session.NewPostgresStore(log, conn))
}

func provideGraphClient(cfg config.Config) *meta.GraphClient {
	return meta.NewGraphClient(&http.Client{Timeout: cfg.Platforms.SendTimeoutDuration()}, cfg.Platforms.GraphBaseURL, cfg.Platforms.GraphVersion)
}

func provideWhatsAppAdapter(log *slog.Logger, cfg config.Config) *whatsapp.Adapter {
	return whatsapp.NewAdapter(log, cfg.Platforms.WhatsApp.DataDir)
}

func provideChannelRegistry(log *slog.Logger, graph *meta.GraphClient, wa *whatsapp.Adapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(wa)
	registry.MustRegister(whatsappbusiness.NewAdapter(log, graph))
	registry.MustRegister(telegram.NewTelegramAdapter(log))
	registry.MustRegister(messenger.NewInstagramAdapter(log, graph))
	registry.MustRegister(messenger.NewMessengerAdapter(log, graph))
	return registry
}

func provideDedupGuard(log *slog.Logger, cfg config.Config, client *redis.Client) dedup.Guard {
	if client == nil {
		// An untyped nil keeps the in-memory fallback reachable.
		return dedup.New(log, cfg.Dedup, nil)
	}
	return dedup.New(log, cfg.Dedup, client)
}

func provideDispatcher(log *slog.Logger, cfg config.Config, registry *channel.Registry, botService *bots.Service, sessions *session.Manager, generator *responder.Generator, guard dedup.Guard) *dispatch.Dispatcher {
	return dispatch.New(log, registry, botService, sessions, generator, guard, dispatch.OptionsFromConfig(cfg))
}

func provideChannelManager(log *slog.Logger, cfg config.Config, registry *channel.Registry, store *channel.Store, dispatcher *dispatch.Dispatcher) *channel.Manager {
	return channel.NewManager(log, registry, store, dispatcher.InboundHandler(), cfg.Platforms.WhatsApp.ReconnectSpec)
}

func provideHealthCheckers(log *slog.Logger, conn *pgxpool.Pool, client *redis.Client, manager *channel.Manager, wa *whatsapp.Adapter) []healthcheck.Checker {
	checkers := []healthcheck.Checker{
		pingchecker.NewChecker(log, "database", conn.Ping),
		channelchecker.NewChecker(log, manager),
		channelchecker.NewDeviceChecker(wa),
	}
	if client != nil {
		checkers = append(checkers, pingchecker.NewChecker(log, "redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	return checkers
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, registry *channel.Registry, store *channel.Store, dispatcher *dispatch.Dispatcher) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, cfg, registry, store, dispatcher)
}

func provideIntegrationsHandler(log *slog.Logger, cfg config.Config, store *channel.Store, registry *channel.Registry, botService *bots.Service, wa *whatsapp.Adapter) *handlers.IntegrationsHandler {
	return handlers.NewIntegrationsHandler(log, cfg.Server.PublicURL, store, registry, botService, wa)
}

func provideSessionsHandler(log *slog.Logger, sessions *session.Manager) *handlers.SessionsHandler {
	return handlers.NewSessionsHandler(log, sessions)
}

func provideTeamsHandler(log *slog.Logger, svc *settings.Service, generator *responder.Generator) *handlers.TeamsHandler {
	return handlers.NewTeamsHandler(log, svc, generator)
}

func providePingHandler(log *slog.Logger, checkers []healthcheck.Checker) *handlers.PingHandler {
	return handlers.NewPingHandler(log, checkers...)
}

type serverParams struct {
	fx.In

	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.Handlers...)
}

func startDedupSweeper(lc fx.Lifecycle, guard dedup.Guard) {
	mem, ok := guard.(*dedup.MemoryGuard)
	if !ok {
		return
	}
	lc.Append(fx.Hook{OnStart: mem.Start, OnStop: mem.Stop})
}

func startChannelManager(lc fx.Lifecycle, channelManager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return channelManager.Start(ctx) },
		OnStop:  func(stopCtx context.Context) error { cancel(); return channelManager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting chatgate", slog.String("version", version), slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
