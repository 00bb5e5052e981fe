package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatagent/pkg/chatevents"
	"github.com/go-go-golems/chatagent/pkg/config"
	"github.com/go-go-golems/chatagent/pkg/generators"
	"github.com/go-go-golems/chatagent/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatagent/pkg/redisstream"
	"github.com/go-go-golems/chatagent/pkg/webchat"
)

type serveFlags struct {
	addr      string
	db        string
	generator string
	redis     bool
	redisAddr string
}

func newServeCommand() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve agents over websocket and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = f.addr
			}
			if flags.Changed("db") {
				cfg.Storage.DBPath = f.db
			}
			if flags.Changed("generator") {
				cfg.Generator.Name = f.generator
			}
			if flags.Changed("redis") {
				cfg.Redis.Enabled = f.redis
			}
			if flags.Changed("redis-addr") {
				cfg.Redis.Addr = f.redisAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address")
	cmd.Flags().StringVar(&f.db, "db", "", "SQLite file for conversation logs (in-memory when empty)")
	cmd.Flags().StringVar(&f.generator, "generator", "", "Reply generator: echo or none")
	cmd.Flags().BoolVar(&f.redis, "redis", false, "Publish conversation events to Redis Streams")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", "", "Redis address")
	return cmd
}

func openStore(cfg config.Config) (chatstore.MessageStore, func(), error) {
	if cfg.Storage.DBPath == "" {
		log.Info().Msg("conversation logs are kept in memory")
		return chatstore.NewInMemoryMessageStore(), func() {}, nil
	}
	dsn, err := chatstore.SQLiteMessageDSNForFile(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := chatstore.NewSQLiteMessageStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("path", cfg.Storage.DBPath).Msg("conversation logs stored in sqlite")
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close message store")
		}
	}, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return errors.Wrap(err, "open message store")
	}
	defer closeStore()

	handler, err := generators.New(cfg.Generator.Name, generators.EchoOptions{
		Delay:  cfg.Generator.Delay,
		Prefix: cfg.Generator.Prefix,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := webchat.NewMetrics(reg)
	if err != nil {
		return err
	}

	ps, err := redisstream.BuildPubSub(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := ps.Close(); err != nil {
			log.Warn().Err(err).Msg("close pubsub")
		}
	}()
	if ps.Redis != nil {
		if err := redisstream.EnsureGroupAtTail(ctx, ps.Redis, chatevents.Topic, cfg.Redis.Group); err != nil {
			return err
		}
	}
	events, err := chatevents.NewRouter(ps, map[string]chatevents.Handler{"log-events": chatevents.LogHandler})
	if err != nil {
		return err
	}

	cm := webchat.NewConvManager(webchat.ConvManagerOptions{
		BaseCtx:      ctx,
		Store:        store,
		Handler:      handler,
		Events:       chatevents.NewPublisher(ps.Publisher),
		Metrics:      metrics,
		SendBuffer:   cfg.Server.SendBuffer,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	srv, err := webchat.NewServer(ctx, cm, webchat.RouterSettings{
		Addr:          cfg.Server.Addr,
		EvictIdle:     cfg.Server.EvictIdle,
		EvictInterval: cfg.Server.EvictInterval,
	}, events, webchat.WithMetricsGatherer(reg))
	if err != nil {
		return err
	}
	log.Info().Str("generator", cfg.Generator.Name).Bool("redis", cfg.Redis.Enabled).Msg("chat-agent configured")
	return srv.Run(ctx)
}
