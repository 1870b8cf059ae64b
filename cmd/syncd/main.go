package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/api"
	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/database"
	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/logging"
	"github.com/santedb/santedb-dc-core-sub006/internal/metrics"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
	"github.com/santedb/santedb-dc-core-sub006/internal/notify"
	"github.com/santedb/santedb-dc-core-sub006/internal/queue"
	"github.com/santedb/santedb-dc-core-sub006/internal/repository"
	"github.com/santedb/santedb-dc-core-sub006/internal/service"
	"github.com/santedb/santedb-dc-core-sub006/internal/upstream"
	"github.com/santedb/santedb-dc-core-sub006/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := envOr("CONFIG_PATH", "configs/config.yaml")
	cfg, logger, closer, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	definitions, err := loadDefinitions(logger)
	if err != nil {
		return err
	}

	if err := prepareDirectories(cfg, logger); err != nil {
		return err
	}

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus(logging.Component(logger, "events"))

	redisClient, payloads := initPayloadStore(ctx, cfg, db, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	manager := queue.NewManager(db, payloads, bus, logging.Component(logger, "queue"))
	if err := manager.OpenDefaults(ctx); err != nil {
		logger.Error().Err(err).Msg("open queues")
		return err
	}
	outbound, err := manager.Queue(models.QueueOutbound)
	if err != nil {
		return err
	}

	_, _, timeout := cfg.Durations()
	client, err := upstream.NewClient(cfg.Upstream.URL, cfg.Upstream.Token, timeout, logging.Component(logger, "upstream"))
	if err != nil {
		logger.Error().Err(err).Msg("init upstream client")
		return err
	}

	subscriptions := service.NewSubscriptionService(
		&cfg.Synchronization,
		definitions,
		config.NewFilePersister(configPath, cfg),
		bus,
		logging.Component(logger, "subscriptions"),
	)

	syncWorker := worker.NewSyncWorker(worker.Dependencies{
		Queues:   manager,
		Upstream: client,
		Payloads: payloads,
		SyncLog:  database.NewSyncLog(db),
		Applier:  database.NewRecordStore(db),
		Settings: subscriptions,
		EventBus: bus,
	}, worker.RetryPolicyFromConfig(cfg), timeout, logging.Component(logger, "worker"))

	dispatcher := service.NewDispatcher(subscriptions, outbound, payloads, syncWorker, bus, logging.Component(logger, "dispatcher"))

	attachNotifiers(ctx, cfg, bus, logger)

	go func() {
		err := config.Watch(ctx, configPath, logging.Component(logger, "config"), func(next *config.Config) {
			subscriptions.Reload(next.Synchronization)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	go database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup")).Start(ctx)

	if _, err := dispatcher.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup synchronization failed")
	}

	monitor := service.NewNetworkMonitor(client, dispatcher, cfg.UpstreamProbeInterval(), logging.Component(logger, "network"))
	servers, err := startServers(cfg, api.Services{
		Queues:        manager,
		Subscriptions: subscriptions,
		Dispatcher:    dispatcher,
		Upstream:      client,
		ExportDir:     cfg.Exports.Path,
	}, monitor, logger)
	if err != nil {
		return err
	}

	go monitor.Run(ctx)
	go func() {
		if err := dispatcher.Poll(ctx); err != nil {
			logger.Error().Err(err).Msg("poll loop stopped")
		}
	}()
	startMetrics(ctx, cfg, logger)

	logger.Info().Str("mode", cfg.Synchronization.Mode).Msg("Synchronization daemon started")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if _, err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown synchronization failed")
	}
	servers.shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func loadConfigAndLogger(configPath string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, "syncd"), closer, nil
}

func loadDefinitions(logger *zerolog.Logger) ([]models.SubscriptionDefinition, error) {
	path := envOr("SUBSCRIPTIONS_PATH", "configs/subscriptions.yaml")
	definitions, err := config.LoadDefinitions(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Str("path", path).Msg("no subscription definitions; nothing will be pulled")
		return nil, nil
	}
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("load subscription definitions")
		return nil, err
	}
	logger.Info().Int("definitions", len(definitions)).Msg("Subscription definitions loaded")
	return definitions, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	for _, dir := range []string{filepath.Dir(cfg.Database.Path), cfg.Exports.Path} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("create directory")
			return err
		}
	}
	return nil
}

// initPayloadStore prefers redis and keeps the sqlite payload table behind it
// for outages. Without redis the sqlite table is used directly.
func initPayloadStore(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) (*redis.Client, domain.PayloadStore) {
	local := database.NewPayloadStore(db)
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured; payloads are stored in the database")
		return nil, local
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable at startup; failover store will retry")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	primary := repository.NewRedisPayloadStore(client)
	return client, repository.NewFailoverPayloadStore(primary, local, logging.Component(logger, "payloads"))
}

func attachNotifiers(ctx context.Context, cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	notify.Attach(bus, "log", notify.NewLogNotifier(logging.Component(logger, "notify")))

	if cfg.Notify.TelegramToken == "" || len(cfg.Notify.ChatIDs) == 0 {
		return
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Notify.TelegramToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram notifier disabled")
		return
	}
	telegram := notify.NewTelegramNotifier(botAPI, cfg.Notify.ChatIDs, cfg.Notify.OnlyFailures, logging.Component(logger, "telegram"))
	go telegram.Run(ctx)
	notify.Attach(bus, "telegram", telegram)
	logger.Info().Int("chats", len(cfg.Notify.ChatIDs)).Msg("Telegram notifier enabled")
}

type servers struct {
	http   *api.HTTPServer
	grpc   *api.GRPCServer
	logger *zerolog.Logger
}

func startServers(cfg *config.Config, svc api.Services, monitor *service.NetworkMonitor, logger *zerolog.Logger) (*servers, error) {
	out := &servers{logger: logger}
	if !cfg.API.Enabled {
		return out, nil
	}

	auth := api.NewAuthenticator(cfg.API)
	if cfg.API.HTTP.Enabled {
		out.http = api.NewHTTPServer(cfg.API, svc, auth, logging.Component(logger, "http"))
		go func() {
			if err := out.http.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	if cfg.API.GRPC.Enabled {
		grpcServer, err := api.NewGRPCServer(cfg.API, auth, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return nil, err
		}
		out.grpc = grpcServer
		monitor.OnChange(grpcServer.SetUpstreamAvailable)
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}
	return out, nil
}

func (s *servers) shutdown(ctx context.Context) {
	if s.grpc != nil {
		s.grpc.Shutdown(ctx)
	}
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown")
		}
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
