package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/database"
	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/queue"
	"github.com/santedb/santedb-dc-core-sub006/internal/repository"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	verbose    bool
}

// app holds what every subcommand opens: the parsed config, the queue
// database, the local payload table and a queue manager over them.
type app struct {
	cfg      *config.Config
	db       *database.DB
	redis    *redis.Client
	payloads *database.PayloadStore
	manager  *queue.Manager
	logger   *zerolog.Logger
}

func (a *app) Close() {
	if a.redis != nil {
		_ = repository.Close(a.redis)
	}
	_ = a.db.Close()
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and repair the synchronization queues of a device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("CONFIG_PATH", "configs/config.yaml"), "path to config.yaml")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newQueuesCmd(opts),
		newEntriesCmd(opts),
		newDeadLetterCmd(opts),
		newSubscribeCmd(opts),
		newUnsubscribeCmd(opts),
	)
	return root
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func openApp(ctx context.Context, cmd *cobra.Command, opts *options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, db: db, logger: &logger}
	a.payloads = database.NewPayloadStore(db)
	var payloads domain.PayloadStore = a.payloads
	if cfg.Redis.Address != "" {
		a.redis = repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, a.redis); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable; using database payloads")
		}
		payloads = repository.NewFailoverPayloadStore(repository.NewRedisPayloadStore(a.redis), a.payloads, &logger)
	}

	a.manager = queue.NewManager(db, payloads, nil, &logger)
	if err := a.manager.OpenDefaults(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("open queues: %w", err)
	}
	return a, nil
}

// withApp runs fn against an opened app and closes it afterwards.
func withApp(opts *options, fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx, cmd, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a, args)
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, raw := range args {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid entry id %q", raw)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
