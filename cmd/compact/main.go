package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/layer-3/compact/adapters/events"
	"github.com/layer-3/compact/adapters/store"
	"github.com/layer-3/compact/internal/config"
	"github.com/layer-3/compact/internal/logging"
	"github.com/layer-3/compact/ports"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

// metadata is shared by every command through App.Metadata
type metadata struct {
	cfg    config.Config
	logger *zap.Logger
	redis  *redis.Client
	closed []func() error
}

func main() {
	app := &cli.App{
		Name:    "compact",
		Usage:   "resource-lock client: sessions, balances and withdrawals",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration `FILE`",
				EnvVars: []string{"COMPACT_CONFIG"},
			},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "show the allocator status",
				Action: runHealth,
			},
			{
				Name:   "login",
				Usage:  "sign in with the configured private key",
				Action: runLogin,
			},
			{
				Name:   "logout",
				Usage:  "revoke the current session",
				Action: runLogout,
			},
			{
				Name:   "balances",
				Usage:  "print reconciled balances and withdrawal states once",
				Action: runBalances,
			},
			{
				Name:  "watch",
				Usage: "poll until interrupted and print balances when they change",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "metrics",
						Usage: "serve prometheus metrics on `ADDR`",
					},
				},
				Action: runWatch,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Environment)
	if err != nil {
		return err
	}
	m := &metadata{cfg: cfg, logger: logger}
	m.closed = append(m.closed, func() error {
		_ = logger.Sync()
		return nil
	})
	c.App.Metadata = map[string]interface{}{"meta": m}
	return nil
}

func teardown(c *cli.Context) error {
	m, ok := c.App.Metadata["meta"].(*metadata)
	if !ok {
		return nil
	}
	for i := len(m.closed) - 1; i >= 0; i-- {
		if err := m.closed[i](); err != nil {
			m.logger.Warn("shutdown", zap.Error(err))
		}
	}
	return nil
}

func meta(c *cli.Context) *metadata {
	return c.App.Metadata["meta"].(*metadata)
}

func (m *metadata) redisClient(rawURL string) (*redis.Client, error) {
	if m.redis != nil {
		return m.redis, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	m.redis = redis.NewClient(opts)
	m.closed = append(m.closed, m.redis.Close)
	return m.redis, nil
}

func (m *metadata) sessionStore() (ports.SessionStore, error) {
	switch m.cfg.Store.Kind {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreRedis:
		client, err := m.redisClient(m.cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(client, "compact:"), nil
	default:
		dir := m.cfg.Store.Dir
		if dir == "" {
			dir = store.DefaultDir()
		}
		return store.NewFileStore(dir), nil
	}
}

func (m *metadata) notifier() (ports.Notifier, error) {
	logNotifier := events.NewLogNotifier(m.logger)
	if m.cfg.Notifier.Kind != config.NotifierRedis {
		return logNotifier, nil
	}

	client, err := m.redisClient(m.cfg.Notifier.RedisURL)
	if err != nil {
		return nil, err
	}
	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: client,
		},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}
	m.closed = append(m.closed, publisher.Close)
	return events.Fanout{logNotifier, events.NewWatermillPublisher(publisher, m.cfg.Notifier.Topic)}, nil
}
