package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/api"
	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/discovery"
	"github.com/atlas-desktop/strategy-lab/internal/exploration"
	"github.com/atlas-desktop/strategy-lab/internal/report"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// sampleStart is the first date of generated sample series
var sampleStart = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// barFlags selects the bar series a command runs on
type barFlags struct {
	path       string
	symbol     string
	sample     int
	sampleSeed int64
}

func addBarFlags(fs *flag.FlagSet, cfg *config.Config) *barFlags {
	bf := &barFlags{}
	fs.StringVar(&bf.path, "data", "", "Bar file (.txt, .csv or .parquet); overrides -symbol")
	fs.StringVar(&bf.symbol, "symbol", cfg.Backtest.Symbol, "Symbol to load from the configured data source")
	fs.IntVar(&bf.sample, "sample", 0, "Generate this many sample bars instead of loading data")
	fs.Int64Var(&bf.sampleSeed, "sample-seed", 1, "Seed of the generated sample series")
	return bf
}

func (a *app) loadBars(ctx context.Context, bf *barFlags) ([]types.Bar, error) {
	var (
		bars []types.Bar
		err  error
	)
	switch {
	case bf.path != "":
		bars, err = a.store.LoadFile(ctx, bf.path)
	case bf.sample > 0:
		bars = data.GenerateSampleBars(bf.sample, bf.sampleSeed, sampleStart)
	default:
		bars, err = a.source.LoadBars(ctx, bf.symbol)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Info("Loaded bars", zap.String("symbol", bf.symbol), zap.Int("bars", len(bars)))
	return bars, nil
}

// testFlags holds the per-run settings shared by run, batch and robust
type testFlags struct {
	strategy string
	params   string
	capital  float64
	fee      float64
	maxBars  int
}

func addTestFlags(fs *flag.FlagSet, cfg *config.Config) *testFlags {
	tf := &testFlags{}
	fs.StringVar(&tf.strategy, "strategy", cfg.Exploration.Strategy, "Strategy name: "+strings.Join(strategy.Available(), ", "))
	fs.StringVar(&tf.params, "params", "", "Comma separated parameter vector; empty uses the defaults")
	fs.Float64Var(&tf.capital, "capital", cfg.Backtest.InitialCapital, "Initial capital")
	fs.Float64Var(&tf.fee, "fee", cfg.Backtest.FeeRate, "Fee rate; 0 uses the fee in the parameter vector")
	fs.IntVar(&tf.maxBars, "max-bars", cfg.Backtest.MaxBars, "Test at most the last N bars; 0 uses all")
	return tf
}

func (tf *testFlags) config(symbol string, params []float64) types.StrategyTestConfig {
	cfg := types.DefaultStrategyTestConfig(tf.strategy, params)
	cfg.Symbol = symbol
	cfg.InitialCapital = tf.capital
	cfg.FeeRate = tf.fee
	cfg.MaxBars = tf.maxBars
	return cfg
}

func (tf *testFlags) parameters() ([]float64, error) {
	if _, _, err := strategy.Describe(tf.strategy); err != nil {
		return nil, err
	}
	if tf.params == "" {
		return strategy.DefaultParameters(tf.strategy), nil
	}
	return parseParams(tf.params)
}

func parseParams(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	params := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter %q: %w", part, err)
		}
		params = append(params, v)
	}
	return params, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exportResults writes results by file extension
func exportResults(path string, results []*types.StrategyMetrics) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return report.ExportParquet(path, results)
	case ".csv":
		return report.ExportCSV(path, results)
	default:
		return fmt.Errorf("unsupported export format %q; use .csv or .parquet", filepath.Ext(path))
	}
}

func importResults(path string) ([]*types.StrategyMetrics, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return report.ImportParquet(path)
	case ".csv":
		return report.ImportCSV(path)
	default:
		return nil, fmt.Errorf("unsupported import format %q; use .csv or .parquet", filepath.Ext(path))
	}
}

func runCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	bf := addBarFlags(fs, a.config)
	tf := addTestFlags(fs, a.config)
	asJSON := fs.Bool("json", false, "Print the metrics as JSON")
	save := fs.Bool("save", false, "Save the result to the registry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	params, err := tf.parameters()
	if err != nil {
		return err
	}
	bars, err := a.loadBars(ctx, bf)
	if err != nil {
		return err
	}

	m, err := a.tester.Test(ctx, tf.config(bf.symbol, params), bars)
	if err != nil {
		return err
	}
	if *save && m.Untested {
		a.logger.Warn("Not saving result of a strategy that could not be created", zap.String("strategy", m.StrategyName))
	} else if *save {
		inserted, err := a.registry.SaveIfNew(ctx, m)
		if err != nil {
			return err
		}
		a.logger.Info("Registry save", zap.Bool("inserted", inserted))
	}

	if *asJSON {
		return printJSON(m)
	}
	return report.WriteSummary(os.Stdout, []*types.StrategyMetrics{m})
}

func batchCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	bf := addBarFlags(fs, a.config)
	tf := addTestFlags(fs, a.config)
	n := fs.Int("n", 100, "Number of configurations")
	method := fs.String("method", string(types.GenerationRandom), "Sampling method: random, grid or lhs")
	seed := fs.Int64("seed", a.config.Exploration.Seed, "Generator seed; 0 picks one from the clock")
	dedup := fs.Bool("dedup", true, "Skip configurations the registry has already tested and save the rest")
	out := fs.String("out", "", "Export results to a .csv or .parquet file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, _, err := strategy.Describe(tf.strategy); err != nil {
		return err
	}

	bars, err := a.loadBars(ctx, bf)
	if err != nil {
		return err
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	gen := backtester.NewGenerator(a.logger, *seed)
	genCfg := types.DefaultParameterGenConfig(tf.strategy, strategy.DefaultRanges(tf.strategy))
	genCfg.NumSamples = *n
	genCfg.Method = types.GenerationMethod(*method)
	vectors, err := gen.Generate(genCfg)
	if err != nil {
		return err
	}

	cfgs := make([]types.StrategyTestConfig, len(vectors))
	for i, params := range vectors {
		cfgs[i] = tf.config(bf.symbol, params)
	}

	a.logger.Info("Running batch",
		zap.String("strategy", tf.strategy),
		zap.Int("configs", len(cfgs)),
		zap.String("method", *method),
		zap.Int64("seed", *seed))

	var results []*types.StrategyMetrics
	if *dedup {
		results, err = a.discoverer.TestWithDeduplication(ctx, cfgs, bars, 0)
	} else {
		results, err = a.tester.TestBatch(ctx, cfgs, bars)
	}
	if err != nil {
		return err
	}

	if *out != "" {
		if err := exportResults(*out, results); err != nil {
			return err
		}
		a.logger.Info("Exported results", zap.String("path", *out), zap.Int("rows", len(results)))
	}
	return report.WriteSummary(os.Stdout, results)
}

func discoverCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	bf := addBarFlags(fs, a.config)
	ec := a.config.Exploration
	name := fs.String("strategy", ec.Strategy, "Strategy name: "+strings.Join(strategy.Available(), ", "))
	target := fs.Int("target", ec.Target, "Number of new strategies to find")
	maxAttempts := fs.Int("max-attempts", ec.MaxAttempts, "Maximum candidates to draw")
	batchSize := fs.Int("batch", ec.BatchSize, "Candidates tested per batch")
	successRatio := fs.Float64("success-ratio", ec.SuccessRatio, "Share of candidates mutated from top strategies")
	seed := fs.Int64("seed", 0, "Exploration seed; 0 uses the configured one")
	out := fs.String("out", "", "Export discovered strategies to a .csv or .parquet file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bars, err := a.loadBars(ctx, bf)
	if err != nil {
		return err
	}

	disc := a.discoverer
	if *seed != 0 {
		explorer := exploration.NewManager(a.logger, a.registry, exploration.Config{
			MutationProbability: ec.MutationProbability,
			MutationScale:       ec.MutationScale,
			RegionBias:          ec.RegionBias,
		}, *seed)
		disc = discovery.NewDiscoverer(a.logger, a.tester, a.registry, explorer, a.metrics)
	}

	opts := discovery.DefaultOptions(*name)
	opts.Target = *target
	opts.MaxAttempts = *maxAttempts
	opts.BatchSize = *batchSize
	opts.SuccessRatio = *successRatio
	opts.Symbol = bf.symbol
	opts.InitialCapital = a.config.Backtest.InitialCapital
	opts.MaxBars = a.config.Backtest.MaxBars
	opts.Progress = func(p discovery.Progress) {
		a.logger.Info("Discovery progress",
			zap.Int("tested", p.Tested),
			zap.Int("target", p.Target),
			zap.Int("attempts", p.Attempts),
			zap.Int("duplicates", p.Duplicates),
			zap.Float64("bestScore", p.BestScore))
	}

	res, err := disc.Discover(ctx, bars, opts)
	if res != nil {
		fmt.Printf("Session %s (seed %d): %s, %d new strategies in %d attempts, %d duplicates skipped\n\n",
			res.SessionID, res.Seed, res.Status, len(res.Strategies), res.Attempts, res.Duplicates)
		if werr := report.WriteSummary(os.Stdout, res.Strategies); werr != nil {
			return werr
		}
		if *out != "" && len(res.Strategies) > 0 {
			if xerr := exportResults(*out, res.Strategies); xerr != nil {
				return xerr
			}
		}
	}
	return err
}

func robustCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("robust", flag.ContinueOnError)
	bf := addBarFlags(fs, a.config)
	tf := addTestFlags(fs, a.config)
	iterations := fs.Int("iterations", 1000, "Monte Carlo iterations")
	seed := fs.Int64("seed", 1, "Monte Carlo seed")
	window := fs.Int("window", 250, "Walk-forward window in bars")
	step := fs.Int("step", 60, "Walk-forward step in bars")
	aggressive := fs.Bool("aggressive", false, "Use the aggressive viability thresholds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	params, err := tf.parameters()
	if err != nil {
		return err
	}
	bars, err := a.loadBars(ctx, bf)
	if err != nil {
		return err
	}
	cfg := tf.config(bf.symbol, params)

	eval, err := a.tester.Evaluate(ctx, cfg, bars)
	if err != nil {
		return err
	}
	if eval.Result == nil {
		return fmt.Errorf("strategy %s rejected parameters %v", cfg.StrategyName, cfg.Parameters)
	}

	mc := backtester.NewMonteCarloSimulator(a.logger, backtester.MonteCarloConfig{
		Iterations:    *iterations,
		Seed:          *seed,
		RuinThreshold: 0.5,
	}).Run(eval.Result)

	wfCfg := backtester.DefaultWalkForwardConfig()
	wfCfg.WindowBars = *window
	wfCfg.StepBars = *step
	cfg.MaxBars = 0
	wf, err := backtester.NewWalkForwardAnalyzer(a.logger, a.tester, wfCfg).Run(ctx, cfg, bars)
	if err != nil {
		return err
	}

	thresholds := backtester.DefaultViabilityThresholds()
	if *aggressive {
		thresholds = backtester.AggressiveViabilityThresholds()
	}
	viability := backtester.NewViabilityChecker(thresholds).Check(eval.Metrics, wf)

	return printJSON(map[string]interface{}{
		"metrics":     eval.Metrics,
		"monteCarlo":  mc,
		"walkForward": wf,
		"viability":   viability,
	})
}

func ensembleCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("ensemble", flag.ContinueOnError)
	top := fs.Int("top", 5, "Number of top registry strategies to combine")
	method := fs.String("method", string(backtester.WeightEqual), "Weighting: equal, sharpe or risk_parity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	members, err := a.registry.TopStrategies(ctx, *top)
	if err != nil {
		return err
	}
	ens, err := backtester.NewEnsemble(members, backtester.WeightingMethod(*method))
	if err != nil {
		return err
	}
	return printJSON(ens)
}

func validateCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	bf := addBarFlags(fs, a.config)
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bars, err := a.loadBars(ctx, bf)
	if err != nil && !errors.Is(err, data.ErrNoData) {
		return err
	}

	rep, verr := a.tester.Validator().Validate(bars, bf.symbol)
	if *asJSON {
		if err := printJSON(rep); err != nil {
			return err
		}
		return verr
	}

	fmt.Printf("Symbol:        %s\n", rep.Symbol)
	fmt.Printf("Bars:          %d (%d to %d)\n", rep.TotalBars, rep.StartDate, rep.EndDate)
	fmt.Printf("Quality score: %d/100\n", rep.QualityScore)
	fmt.Printf("Usable:        %t\n", rep.IsUsable)
	fmt.Printf("Issues:        %d (chronology %d, integrity %d, gaps %d, OHLC %d, anomalies %d)\n",
		len(rep.Issues), rep.ChronologyErrors, rep.IntegrityIssues, rep.GapCount, rep.OHLCErrors, rep.AnomalyCount)
	for _, rec := range rep.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
	return verr
}

func exportCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("out", "strategies.csv", "Output file (.csv or .parquet)")
	limit := fs.Int("limit", 0, "Export at most N strategies; 0 exports all")
	recent := fs.Bool("recent", false, "Order by test time instead of score")
	if err := fs.Parse(args); err != nil {
		return err
	}

	n := *limit
	if n <= 0 {
		count, err := a.registry.Count(ctx)
		if err != nil {
			return err
		}
		n = count
	}

	var (
		results []*types.StrategyMetrics
		err     error
	)
	if *recent {
		results, err = a.registry.RecentStrategies(ctx, n)
	} else {
		results, err = a.registry.TopStrategies(ctx, n)
	}
	if err != nil {
		return err
	}

	if err := exportResults(*out, results); err != nil {
		return err
	}
	a.logger.Info("Exported strategies", zap.String("path", *out), zap.Int("rows", len(results)))
	return nil
}

func importCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	in := fs.String("in", "", "Input file (.csv or .parquet)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("-in is required")
	}

	results, err := importResults(*in)
	if err != nil {
		return err
	}

	inserted, skipped := 0, 0
	for _, m := range results {
		if m.TestedAt.IsZero() {
			m.TestedAt = time.Now()
		}
		ok, err := a.registry.SaveIfNew(ctx, m)
		if err != nil {
			return fmt.Errorf("failed to import %s %v: %w", m.StrategyName, m.Parameters, err)
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}

	a.logger.Info("Imported strategies",
		zap.String("path", *in),
		zap.Int("inserted", inserted),
		zap.Int("duplicates", skipped))
	return nil
}

func statsCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	sessions := fs.Int("sessions", 10, "Number of logged sessions to show")
	top := fs.Int("top", report.TopCount, "Number of top strategies to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stats, err := a.discoverer.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Registry:              %s (persistent: %t)\n", a.config.Registry.Path, stats.Persistent)
	fmt.Printf("Total strategies:      %d\n", stats.TotalStrategies)
	fmt.Printf("Average score:         %.4f\n", stats.AverageScore)
	fmt.Printf("Under-explored regions: %d\n", stats.UnderexploredRegions)
	fmt.Printf("Successful regions:    %d\n", stats.SuccessfulRegions)
	for _, rec := range stats.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}

	gens, err := a.registry.Generations(ctx, *sessions)
	if err != nil {
		return err
	}
	if len(gens) > 0 {
		fmt.Println("\nRecent sessions:")
		for _, g := range gens {
			fmt.Printf("  %s  %s  seed=%d  strategies=%d  best=%.4f\n",
				g.CreatedAt.Format(time.RFC3339), g.SessionID, g.Seed, g.StrategiesTested, g.BestScore)
		}
	}

	best, err := a.registry.TopStrategies(ctx, *top)
	if err != nil {
		return err
	}
	if len(best) > 0 {
		fmt.Println()
		return report.WriteSummary(os.Stdout, best)
	}
	return nil
}

func cleanupCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	keep := fs.Int("keep", a.config.Registry.Keep, "Number of best strategies to keep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keep < 0 {
		return errors.New("-keep cannot be negative")
	}

	removed, err := a.discoverer.Optimize(ctx, *keep)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d strategies, kept at most %d\n", removed, *keep)
	return nil
}

func serveCommand(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	host := fs.String("host", a.config.Server.Host, "Server host")
	port := fs.Int("port", a.config.Server.Port, "Server port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	serverCfg := a.config.Server
	serverCfg.Host = *host
	serverCfg.Port = *port

	server := api.NewServer(a.logger, serverCfg, a.config.Backtest, a.source, a.tester, a.discoverer, a.metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	a.logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s%s", serverCfg.Addr(), serverCfg.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s/api/v1", serverCfg.Addr())),
		zap.Bool("persistentRegistry", a.registry.Persistent()),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		a.logger.Error("Error during server shutdown", zap.Error(err))
	}
	if err := <-errCh; err != nil {
		return err
	}

	a.logger.Info("Server stopped")
	return nil
}

func initConfigCommand(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	out := fs.String("out", "stratlab.yaml", "Config file to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.WriteDefault(*out); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", *out)
	return nil
}
