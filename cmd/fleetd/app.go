package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vigneswara-propelo/taskfleet/bus"
	"github.com/vigneswara-propelo/taskfleet/callback"
	"github.com/vigneswara-propelo/taskfleet/config"
	"github.com/vigneswara-propelo/taskfleet/gateway"
	"github.com/vigneswara-propelo/taskfleet/metrics"
	"github.com/vigneswara-propelo/taskfleet/perpetual"
	"github.com/vigneswara-propelo/taskfleet/queue"
	"github.com/vigneswara-propelo/taskfleet/rebalance"
	"github.com/vigneswara-propelo/taskfleet/registry"
	"github.com/vigneswara-propelo/taskfleet/state"
)

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Delegate fleet manager",
		Long:          "fleetd matches one-shot and perpetual tasks to a fleet of delegates and correlates their results back to callers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())
	return root
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the manager",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	msgBus, err := newBus(cfg, logger)
	if err != nil {
		return err
	}
	defer msgBus.Close()

	reg := registry.NewMemoryRegistry()
	defer reg.Close()

	correlator := callback.NewCorrelator(store, callback.Config{Retention: cfg.ResultRetention})
	defer correlator.Close()
	notifier := callback.NewBusNotifier(correlator, msgBus, logger)
	inbox, err := callback.NewInbox(correlator, msgBus, logger)
	if err != nil {
		return err
	}
	defer inbox.Close()

	m := metrics.New()
	window := cfg.HeartbeatInterval * time.Duration(cfg.LivenessMultiplier)
	q := queue.NewManager(store, reg, notifier, queue.Config{LivenessWindow: window}, logger)
	p := perpetual.NewManager(store, perpetual.Config{}, logger)

	loop := rebalance.New(store, q, p, reg, m, rebalance.Config{
		CheckInterval:      cfg.RebalanceInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		LivenessMultiplier: cfg.LivenessMultiplier,
	}, logger)
	loop.Start(ctx)
	defer loop.Stop()

	g := gateway.New(reg, q, p, correlator, nil, m, gateway.Config{
		MaxAcquireWait: cfg.MaxAcquireWait,
	}, logger)

	logger.Info().Str("addr", cfg.Addr).Msg("fleetd starting")
	return gateway.NewServer(g, m, logger).Run(ctx, cfg.Addr)
}

func newStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (state.StateStore, error) {
	if cfg.Redis.Addr == "" {
		logger.Info().Msg("using in-memory state store")
		return state.NewMemoryStore(), nil
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis state store")
	return state.NewRedisStore(ctx, state.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Namespace: cfg.Redis.Namespace,
	})
}

func newBus(cfg *config.Config, logger zerolog.Logger) (bus.MessageBus, error) {
	if cfg.NATS.URL == "" {
		logger.Info().Msg("using in-memory message bus")
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
	logger.Info().Str("url", cfg.NATS.URL).Msg("using nats message bus")
	return bus.NewNATSBus(bus.NATSConfig{
		URL:  cfg.NATS.URL,
		Name: cfg.NATS.Name,
	})
}
