// Package main provides the stratlab command line: single and batch strategy
// tests, deduplicated discovery runs, registry maintenance and the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/discovery"
	"github.com/atlas-desktop/strategy-lab/internal/exploration"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const usage = `usage: stratlab [-config file] [-log-level level] <command> [flags]

commands:
  run         test one strategy configuration
  batch       test a generated batch of configurations
  discover    search for new strategies, skipping tested ones
  robust      Monte Carlo, walk-forward and viability checks for one configuration
  ensemble    weight the registry's top strategies into an ensemble
  validate    check a bar series
  export      write registry strategies to CSV or Parquet
  import      load strategies from a CSV or Parquet export into the registry
  stats       show registry statistics and the session log
  cleanup     keep the best strategies and compact the registry
  serve       start the HTTP/WebSocket API
  init-config write the default configuration file
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"run":      runCommand,
	"batch":    batchCommand,
	"discover": discoverCommand,
	"robust":   robustCommand,
	"ensemble": ensembleCommand,
	"validate": validateCommand,
	"export":   exportCommand,
	"import":   importCommand,
	"stats":    statsCommand,
	"cleanup":  cleanupCommand,
	"serve":    serveCommand,
}

func main() {
	configPath := flag.String("config", "", "Config file (YAML)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	if name == "init-config" {
		if err := initConfigCommand(args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}

	err = cmd(ctx, a, args)
	a.Close()

	switch {
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		logger.Warn("Interrupted", zap.String("command", name))
		os.Exit(130)
	case err != nil:
		logger.Error("Command failed", zap.String("command", name), zap.Error(err))
		os.Exit(1)
	}
}

// app holds the components every command shares
type app struct {
	logger     *zap.Logger
	config     *config.Config
	metrics    *observability.Metrics
	source     data.BarSource
	store      *data.Store
	clickhouse *data.ClickHouseSource
	pool       *workers.Pool
	tester     *backtester.Tester
	registry   registry.Registry
	explorer   *exploration.Manager
	discoverer *discovery.Discoverer
}

func newApp(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*app, error) {
	a := &app{
		logger:  logger,
		config:  cfg,
		metrics: observability.NewMetrics("stratlab"),
	}

	store, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.source = store

	if cfg.Data.Source == "clickhouse" {
		ch, err := data.NewClickHouseSource(ctx, cfg.Data.ClickHouseDSN, cfg.Data.ClickHouseTable, logger)
		if err != nil {
			return nil, err
		}
		a.clickhouse = ch
		a.source = ch
	}

	poolCfg := workers.DefaultPoolConfig("backtest")
	if cfg.Backtest.Workers > 0 {
		poolCfg.NumWorkers = cfg.Backtest.Workers
	}
	a.pool = workers.NewPool(logger, poolCfg)
	a.pool.Start()

	a.tester = backtester.NewTester(logger, a.pool, a.metrics)
	a.registry = registry.OpenOrFallback(ctx, cfg.Registry.Path, logger, a.metrics)

	seed := cfg.Exploration.ResolveSeed(time.Now())
	a.explorer = exploration.NewManager(logger, a.registry, exploration.Config{
		MutationProbability: cfg.Exploration.MutationProbability,
		MutationScale:       cfg.Exploration.MutationScale,
		RegionBias:          cfg.Exploration.RegionBias,
	}, seed)
	a.discoverer = discovery.NewDiscoverer(logger, a.tester, a.registry, a.explorer, a.metrics)

	logger.Debug("Components initialized",
		zap.String("dataSource", cfg.Data.Source),
		zap.Bool("persistentRegistry", a.registry.Persistent()),
		zap.Int("workers", a.pool.Workers()),
		zap.Int64("seed", seed))
	return a, nil
}

// Close releases the registry, the worker pool and the ClickHouse connection
func (a *app) Close() {
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("Error closing registry", zap.Error(err))
	}
	if err := a.pool.Stop(); err != nil {
		a.logger.Warn("Error stopping worker pool", zap.Error(err))
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			a.logger.Warn("Error closing ClickHouse connection", zap.Error(err))
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
