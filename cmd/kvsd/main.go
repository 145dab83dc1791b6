package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/routekv/kvsd/internal/advertise"
	"github.com/routekv/kvsd/internal/config"
	"github.com/routekv/kvsd/internal/events"
	"github.com/routekv/kvsd/internal/httpapi"
	"github.com/routekv/kvsd/internal/metrics"
	"github.com/routekv/kvsd/internal/peer"
	"github.com/routekv/kvsd/internal/persist"
	"github.com/routekv/kvsd/internal/reassembler"
	"github.com/routekv/kvsd/internal/store"
)

const usageText = `Usage: kvsd <command> [flags]

Commands:
  serve     run the key/value service
  migrate   create the snapshot schema (requires postgres.dsn)

Flags:
  --config <path>     path to YAML configuration
  --log-level <lvl>   override log level (debug, info, warn, error)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "help", "-h", "--help":
		fmt.Print(usageText)
		return
	case "serve", "migrate":
	default:
		fmt.Fprintf(os.Stderr, "kvsd: unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML configuration")
	logLevel := fs.String("log-level", "", "override log level")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvsd: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Service.LogLevel = *logLevel
	}

	logger := newLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	switch cmd {
	case "serve":
		runServe(cfg, logger)
	case "migrate":
		runMigrate(cfg, logger)
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvsd: initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe(cfg *config.Config, logger *zap.Logger) {
	metrics.Register()

	logger.Info("starting kvsd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("bgp_daemon", cfg.BGP.DaemonAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(logger.Named("store"))

	// Optional snapshot persistence: seed the store before anything is
	// advertised, then trail it with batched writes.
	var saver *persist.Saver
	if cfg.Postgres.DSN != "" {
		var err error
		saver, err = persist.NewSaver(ctx, cfg.Postgres.DSN,
			cfg.Postgres.MaxConns, cfg.Postgres.MinConns,
			cfg.Postgres.CompressValues, cfg.Postgres.BatchSize,
			cfg.Postgres.FlushIntervalMs, logger.Named("persist"))
		if err != nil {
			logger.Fatal("failed to open snapshot database", zap.Error(err))
		}
		defer saver.Close()

		pairs, err := saver.Load(ctx)
		if err != nil {
			logger.Fatal("failed to load snapshot", zap.Error(err))
		}
		st.Seed(pairs)
		logger.Info("store seeded from snapshot", zap.Int("pairs", len(pairs)))
	}

	// Optional change-event firehose.
	if len(cfg.Kafka.Brokers) > 0 {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build TLS config", zap.Error(err))
		}
		pub, err := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic,
			cfg.Kafka.ClientID, cfg.Service.InstanceID,
			tlsCfg, cfg.Kafka.BuildSASLMechanism(), logger.Named("events"))
		if err != nil {
			logger.Fatal("failed to create event publisher", zap.Error(err))
		}
		defer pub.Close()
		st.Subscribe(pub)
		logger.Info("event publishing enabled", zap.String("topic", cfg.Kafka.Topic))
	}

	ra := reassembler.New(st,
		time.Duration(cfg.Reassembler.MaxAgeSeconds)*time.Second,
		time.Duration(cfg.Reassembler.GCIntervalSeconds)*time.Second,
		cfg.Reassembler.MaxAssemblies,
		logger.Named("reassembler"))

	var subscribed []string
	for _, category := range cfg.BGP.Subscribe {
		subscribed = append(subscribed, advertise.CommunityTag(cfg.BGP.CommunityASN, category))
	}

	adapter := peer.New(cfg.BGP.DaemonAddr,
		time.Duration(cfg.BGP.ReconnectSeconds)*time.Second,
		cfg.BGP.QueueSize, subscribed, ra, logger.Named("peer"))

	adv := advertise.New(adapter, cfg.BGP.CommunityASN, logger.Named("advertise"))
	st.Subscribe(adv)
	adv.Rebuild(st.Snapshot())
	adapter.OnEstablished(adv.Replay)

	var wg sync.WaitGroup
	if saver != nil {
		st.Subscribe(saver)
		wg.Add(1)
		go func() { defer wg.Done(); saver.Run(ctx) }()
	}
	go ra.Run(ctx)
	go adapter.Run(ctx)

	var dbChecker httpapi.DBChecker
	if saver != nil {
		dbChecker = saver
	}
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, st, adapter, dbChecker, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("kvsd started", zap.Int("seeded_keys", st.Len()))

	<-ctx.Done()
	stop()
	logger.Info("shutdown signal received")

	// Graceful shutdown: stop accepting HTTP traffic, let the snapshot
	// saver drain. Advertised routes stay in the daemon; peers hold the
	// data until we return.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached before the snapshot drained")
	}

	logger.Info("kvsd stopped")
}

func runMigrate(cfg *config.Config, logger *zap.Logger) {
	if cfg.Postgres.DSN == "" {
		logger.Fatal("migrate requires postgres.dsn")
	}

	if err := persist.Migrate(context.Background(), cfg.Postgres.DSN, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migration complete")
}
