// Package main runs the regime engine against a paper venue with a synthetic
// market feed and serves the monitor API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/api"
	"github.com/atlas-desktop/regime-engine/internal/config"
	"github.com/atlas-desktop/regime-engine/internal/data"
	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/internal/orchestrator"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/internal/sink"
	"github.com/atlas-desktop/regime-engine/internal/sizing"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", getEnvOrDefault("ENGINE_CONFIG", ""), "Config file (yaml, json or toml)")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	logger.Info("Starting regime engine",
		zap.String("environment", cfg.Environment),
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.Duration("tickInterval", cfg.Engine.TickInterval),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("kafkaSink", cfg.Sink.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal("Engine failed", zap.Error(err))
	}
	logger.Info("Engine stopped")
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	classifier, err := regime.NewClassifier(logger, &cfg.Regime)
	if err != nil {
		return err
	}
	signalEngine, err := signals.NewEngine(logger, &cfg.Signals)
	if err != nil {
		return err
	}

	trades, closeStore, err := openTradeStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	estimator, err := expectancy.NewEstimator(logger, &cfg.Expectancy, trades)
	if err != nil {
		return err
	}
	scorer, err := scoring.NewScorer(logger, &cfg.Scoring)
	if err != nil {
		return err
	}
	allocator, err := sizing.NewAllocator(logger, &cfg.Sizing)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger, &cfg.Events)
	defer bus.Stop()

	if cfg.Sink.Enabled {
		publisher, err := sink.NewKafkaPublisher(logger, &cfg.Sink, sink.NewWriter(&cfg.Sink))
		if err != nil {
			return err
		}
		publisher.Attach(bus)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error("Error closing Kafka sink", zap.Error(err))
			}
		}()
	}

	venue := execution.NewPaperVenue(logger, &cfg.Paper)
	defer venue.Close()

	store := data.NewStore(logger, cfg.Feed.MaxBars)
	feed := data.NewSyntheticFeed(logger, store, cfg.Engine.Symbols, feedTimeframes(cfg), data.GeneratorConfig{
		StartPrice: cfg.Feed.StartPrice,
		Drift:      cfg.Feed.Drift,
		Volatility: cfg.Feed.Volatility,
		Cycle:      cfg.Feed.Cycle,
		CycleAmp:   cfg.Feed.CycleAmp,
		Seed:       cfg.Feed.Seed,
	})
	if err := feed.Seed(cfg.Feed.SeedBars, time.Now().Truncate(time.Hour)); err != nil {
		return err
	}

	rec := metrics.New()
	orch, err := orchestrator.New(logger, &cfg.Engine, orchestrator.Components{
		Provider:   store,
		Classifier: classifier,
		Signals:    signalEngine,
		Estimator:  estimator,
		Scorer:     scorer,
		Allocator:  allocator,
		Venue:      venue,
		Bus:        bus,
		Metrics:    rec,
	})
	if err != nil {
		return err
	}

	hub := api.NewHub(logger)
	hub.Attach(bus)
	go hub.Run()

	server := api.NewServer(logger, cfg.Server, orch, rec, hub)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	go feed.Run(ctx, cfg.Feed.Interval)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	logger.Info("Engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("monitor server: %w", err)
		}
	}

	if err := orch.Stop(); err != nil {
		logger.Error("Error stopping orchestrator", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	return runErr
}

// openTradeStore returns the configured trade history and its cleanup.
func openTradeStore(ctx context.Context, cfg config.StoreConfig) (expectancy.TradeHistoryStore, func(), error) {
	if cfg.Backend != "redis" {
		return expectancy.NewMemoryStore(), func() {}, nil
	}
	client, err := expectancy.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return expectancy.NewRedisStore(client, cfg.Redis.Prefix), func() { client.Close() }, nil
}

// feedTimeframes is every timeframe the classifier weights plus the signal
// timeframe.
func feedTimeframes(cfg *config.Config) []types.Timeframe {
	seen := make(map[types.Timeframe]bool)
	var tfs []types.Timeframe
	for tf := range cfg.Regime.TimeframeWeights {
		seen[tf] = true
		tfs = append(tfs, tf)
	}
	if !seen[cfg.Engine.SignalTimeframe] {
		tfs = append(tfs, cfg.Engine.SignalTimeframe)
	}
	return tfs
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var encodeLevel zapcore.LevelEncoder = zapcore.CapitalColorLevelEncoder
	if format == "json" {
		encodeLevel = zapcore.LowercaseLevelEncoder
	} else {
		format = "console"
	}

	logConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
