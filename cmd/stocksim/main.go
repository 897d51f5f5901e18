package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stocksim/internal/engine"
	"stocksim/internal/marketdata"
	"stocksim/internal/reporting"
	"stocksim/internal/repository"
	"stocksim/types"
)

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 1
	exitData      = 2
	exitInvariant = 3
)

type cliOptions struct {
	dataPath              string
	postgresDSN           string
	startDate             string
	endDate               string
	initialCapital        float64
	contributionAmount    float64
	contributionFrequency string
	feeBps                float64
	feeFixed              float64
	slippageBps           float64
	maxTradeParticipation float64
	creditDividends       bool
	priceSeriesMode       string
	strategyFile          string
	outputDir             string
	seed                  int64
	engineMode            string
	progress              bool
	minPrice              float64
	maxPrice              float64
	minVolume             float64
}

func main() {
	logger := log.New(os.Stderr, "[stocksim] ", log.LstdFlags)
	// A missing .env is fine; it only supplies STOCKSIM_POSTGRES_DSN.
	_ = godotenv.Load()

	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "stocksim",
		Short:         "Deterministic historical portfolio strategy simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), logger, opts)
		},
	}
	flags := root.Flags()
	flags.StringVar(&opts.dataPath, "data-path", "", "input CSV with daily bars")
	flags.StringVar(&opts.postgresDSN, "postgres-dsn", os.Getenv("STOCKSIM_POSTGRES_DSN"),
		"read bars from PostgreSQL instead of the CSV file")
	flags.StringVar(&opts.startDate, "start-date", "", "simulation start date (YYYY-MM-DD)")
	flags.StringVar(&opts.endDate, "end-date", "", "simulation end date (YYYY-MM-DD)")
	flags.Float64Var(&opts.initialCapital, "initial-capital", 0, "starting cash per strategy")
	flags.Float64Var(&opts.contributionAmount, "contribution-amount", 0, "periodic contribution")
	flags.StringVar(&opts.contributionFrequency, "contribution-frequency", "none",
		"none, daily, monthly or yearly")
	flags.Float64Var(&opts.feeBps, "fee-bps", 0, "per-trade fee in basis points")
	flags.Float64Var(&opts.feeFixed, "fee-fixed", 0, "fixed fee per trade")
	flags.Float64Var(&opts.slippageBps, "slippage-bps", 0, "slippage in basis points")
	flags.Float64Var(&opts.maxTradeParticipation, "max-trade-participation", 0.01,
		"max fraction of a symbol's daily volume per fill")
	flags.BoolVar(&opts.creditDividends, "credit-dividends", false,
		"credit dividend cash for held shares")
	flags.StringVar(&opts.priceSeriesMode, "price-series-mode", string(marketdata.PriceAsIs),
		"as_is or raw_reconstructed")
	flags.StringVar(&opts.strategyFile, "strategy-file", "", "YAML/JSON strategy configuration")
	flags.StringVar(&opts.outputDir, "output-dir", "outputs", "run artifact directory")
	flags.Int64Var(&opts.seed, "seed", 42, "run seed")
	flags.StringVar(&opts.engineMode, "engine", "streaming", "streaming or in_memory")
	flags.BoolVar(&opts.progress, "progress", false, "show a progress bar")
	flags.Float64Var(&opts.minPrice, "min-price", 0.01, "drop bars below this close")
	flags.Float64Var(&opts.maxPrice, "max-price", 100_000, "drop bars above this close")
	flags.Float64Var(&opts.minVolume, "min-volume", 0, "drop bars below this volume")
	mustMark(root, "start-date")
	mustMark(root, "end-date")
	mustMark(root, "initial-capital")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Println(err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func mustMark(cmd *cobra.Command, name string) {
	if err := cmd.MarkFlagRequired(name); err != nil {
		panic(err)
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrAccountingInvariant),
		errors.Is(err, engine.ErrWeightBounds),
		errors.Is(err, engine.ErrInsufficientCash):
		return exitInvariant
	case errors.Is(err, marketdata.ErrMissingColumn),
		errors.Is(err, marketdata.ErrBadRow),
		errors.Is(err, marketdata.ErrOutOfOrder),
		errors.Is(err, repository.ErrNoBars),
		errors.Is(err, engine.ErrNoPriorClose):
		return exitData
	default:
		return exitConfig
	}
}

func run(ctx context.Context, logger *log.Logger, opts *cliOptions) error {
	started := time.Now()

	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}
	sim, err := engine.NewSimulation(cfg)
	if err != nil {
		return err
	}

	src, stats, cleanup, err := openSource(ctx, opts, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.progress {
		bar := initProgressBar(int(cfg.EndDate.Sub(cfg.StartDate).Hours()/24) + 1)
		start := cfg.StartDate
		sim.SetProgress(func(date time.Time) {
			_ = bar.Set(int(date.Sub(start).Hours()/24) + 1)
		})
	}

	result, err := sim.Run(ctx, src)
	if err != nil {
		return err
	}
	if result.Cancelled {
		logger.Println("run cancelled, flushing partial outputs")
	}

	if err := reporting.WriteRunOutputs(opts.outputDir, result, cfg.InitialCapital); err != nil {
		return err
	}

	srcStats := stats()
	manifest := reporting.Manifest{
		DataPath:              opts.dataPath,
		StartDate:             cfg.StartDate.Format("2006-01-02"),
		EndDate:               cfg.EndDate.Format("2006-01-02"),
		InitialCapital:        cfg.InitialCapital.String(),
		ContributionAmount:    cfg.ContributionAmount.String(),
		ContributionFrequency: string(cfg.ContributionFrequency),
		FeeBps:                cfg.Execution.FeeBps.String(),
		FeeFixed:              cfg.Execution.FeeFixed.String(),
		SlippageBps:           cfg.Execution.SlippageBps.String(),
		MaxTradeParticipation: cfg.Execution.MaxTradeParticipation.String(),
		CreditDividends:       cfg.CreditDividends,
		PriceSeriesMode:       string(cfg.PriceSeriesMode),
		Engine:                opts.engineMode,
		Seed:                  cfg.Seed,
		StrategyFile:          opts.strategyFile,
		StrategyIDs:           result.StrategyOrder,
		TradingDays:           result.TradingDays,
		RowsRead:              srcStats.RowsRead,
		RowsDropped:           srcStats.RowsDropped,
		LiquidityClips:        result.LiquidityClips,
		TotalTrades:           len(result.Trades),
		Warnings:              result.Warnings,
		Cancelled:             result.Cancelled,
		WallTimeMs:            reporting.WallTimeSince(started),
	}
	if err := reporting.WriteManifest(opts.outputDir, manifest); err != nil {
		return err
	}

	logger.Printf("run complete: %d trading days, %d trades, outputs in %s",
		result.TradingDays, len(result.Trades), opts.outputDir)
	for _, strategyID := range result.StrategyOrder {
		records := result.DailyByStrategy[strategyID]
		if len(records) == 0 {
			continue
		}
		final := records[len(records)-1].TotalEquity
		fmt.Printf("%s: final_equity=%s\n", strategyID, final.StringFixed(2))
	}
	return nil
}

func buildConfig(opts *cliOptions) (engine.SimulationConfig, error) {
	start, err := time.Parse("2006-01-02", opts.startDate)
	if err != nil {
		return engine.SimulationConfig{}, fmt.Errorf("%w: bad start date %q", engine.ErrConfig, opts.startDate)
	}
	end, err := time.Parse("2006-01-02", opts.endDate)
	if err != nil {
		return engine.SimulationConfig{}, fmt.Errorf("%w: bad end date %q", engine.ErrConfig, opts.endDate)
	}
	contribFreq, err := engine.ParseContributionFrequency(opts.contributionFrequency)
	if err != nil {
		return engine.SimulationConfig{}, fmt.Errorf("%w: %v", engine.ErrConfig, err)
	}

	var mode marketdata.PriceSeriesMode
	switch marketdata.PriceSeriesMode(opts.priceSeriesMode) {
	case marketdata.PriceAsIs, marketdata.PriceRawReconstructed:
		mode = marketdata.PriceSeriesMode(opts.priceSeriesMode)
	default:
		return engine.SimulationConfig{}, fmt.Errorf("%w: unknown price-series-mode %q",
			engine.ErrConfig, opts.priceSeriesMode)
	}
	if mode == marketdata.PriceRawReconstructed && opts.engineMode != "in_memory" {
		return engine.SimulationConfig{}, fmt.Errorf(
			"%w: raw_reconstructed requires --engine in_memory", engine.ErrConfig)
	}
	switch opts.engineMode {
	case "streaming", "in_memory":
	default:
		return engine.SimulationConfig{}, fmt.Errorf("%w: unknown engine %q",
			engine.ErrConfig, opts.engineMode)
	}
	if opts.dataPath == "" && opts.postgresDSN == "" {
		return engine.SimulationConfig{}, fmt.Errorf(
			"%w: either --data-path or --postgres-dsn is required", engine.ErrConfig)
	}

	exec := engine.ExecutionParams{
		FeeBps:                decimal.NewFromFloat(opts.feeBps),
		FeeFixed:              decimal.NewFromFloat(opts.feeFixed),
		SlippageBps:           decimal.NewFromFloat(opts.slippageBps),
		MaxTradeParticipation: decimal.NewFromFloat(opts.maxTradeParticipation),
	}

	strategies := []engine.StrategyConfig{{
		StrategyID:         "equal_weight_daily_default",
		Plugin:             "equal_weight",
		RebalanceFrequency: engine.FreqDaily,
	}}
	if opts.strategyFile != "" {
		strategies, err = engine.LoadStrategyFile(opts.strategyFile, exec)
		if err != nil {
			return engine.SimulationConfig{}, err
		}
	}

	return engine.SimulationConfig{
		StartDate:             start,
		EndDate:               end,
		InitialCapital:        decimal.NewFromFloat(opts.initialCapital),
		ContributionAmount:    decimal.NewFromFloat(opts.contributionAmount),
		ContributionFrequency: contribFreq,
		Execution:             exec,
		CreditDividends:       opts.creditDividends,
		PriceSeriesMode:       mode,
		Seed:                  opts.seed,
		Strategies:            strategies,
	}, nil
}

// snapshotSource is what the engine consumes; both marketdata sources
// satisfy it.
type snapshotSource interface {
	Next() (*types.MarketSnapshot, error)
}

func openSource(
	ctx context.Context,
	opts *cliOptions,
	cfg engine.SimulationConfig,
) (snapshotSource, func() marketdata.Stats, func(), error) {
	mdCfg := marketdata.Config{
		Start:     cfg.StartDate,
		End:       cfg.EndDate,
		MinPrice:  decimal.NewFromFloat(opts.minPrice),
		MaxPrice:  decimal.NewFromFloat(opts.maxPrice),
		MinVolume: decimal.NewFromFloat(opts.minVolume),
		PriceMode: cfg.PriceSeriesMode,
	}

	var stream marketdata.BarStream
	var closer io.Closer
	cleanup := func() {}
	if opts.postgresDSN != "" {
		db, err := repository.NewDatabase(ctx, opts.postgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		barStream, err := db.StreamBars(ctx, cfg.StartDate, cfg.EndDate)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		stream = barStream
		cleanup = func() {
			barStream.Close()
			db.Close()
		}
	} else {
		var err error
		stream, closer, err = marketdata.OpenCSVStream(opts.dataPath)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup = func() { closer.Close() }
	}

	if opts.engineMode == "in_memory" {
		mem, err := marketdata.LoadMemory(stream, mdCfg)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		return mem, mem.Stats, cleanup, nil
	}
	src := marketdata.NewSource(stream, mdCfg)
	return src, src.Stats, cleanup, nil
}

func initProgressBar(maxTicks int) *progressbar.ProgressBar {
	return progressbar.NewOptions(maxTicks,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetDescription("Simulating..."),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}
