// Command xarb runs the cross-venue perpetual-futures arbitrage engine:
// it samples the maker and taker venues' books, posts a passive order on
// the maker venue when the rolling spread fires, and hedges on the taker
// venue upon fill.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xarbitrage/xarb/pkg/book"
	"github.com/xarbitrage/xarb/pkg/config"
	"github.com/xarbitrage/xarb/pkg/datalog"
	"github.com/xarbitrage/xarb/pkg/ledger"
	"github.com/xarbitrage/xarb/pkg/metrics"
	"github.com/xarbitrage/xarb/pkg/notify"
	"github.com/xarbitrage/xarb/pkg/orderctl"
	"github.com/xarbitrage/xarb/pkg/spread"
	"github.com/xarbitrage/xarb/pkg/supervisor"
	"github.com/xarbitrage/xarb/pkg/venue/makerclient"
	"github.com/xarbitrage/xarb/pkg/venue/takerclient"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "xarb",
		Short: "cross-venue perpetual-futures arbitrage engine",
	}
	config.BindFlags(root.Flags())

	exitCode := 0
	root.RunE = func(cmd *cobra.Command, args []string) error {
		exitCode = runEngine(cmd)
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}

func runEngine(cmd *cobra.Command) int {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	logger, err := datalog.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup error:", err)
		return 1
	}
	log := logger.WithField("symbol", cfg.Ticker)

	store, err := datalog.NewStore(cfg.LogDir)
	if err != nil {
		log.WithError(err).Error("data store setup failed")
		return 1
	}

	maker := makerclient.New(makerclient.Config{
		BaseURL: "https://maker.invalid", PrivateKey: cfg.MakerPrivateKey, Symbol: cfg.Ticker,
		TickSize: cfg.TickSize, StepSize: decimal.NewFromFloat(0.0001),
	})
	taker := takerclient.New(takerclient.Config{
		WSURL: "wss://taker.invalid/stream", RESTBaseURL: cfg.TakerBaseURL, APIKey: cfg.TakerAPIKey,
		AccountIndex: cfg.TakerAccountIndex, APIKeyIndex: cfg.TakerAPIKeyIndex, Symbol: cfg.Ticker,
		TickSize: cfg.TickSize, StepSize: decimal.NewFromFloat(0.0001),
	})

	notifier := notify.New(cfg.NotifierBotToken, cfg.NotifierChannelID, log)

	bk := book.New()
	analyzer := spread.New(spread.Config{
		WarmupSamples:  cfg.WarmupSamples,
		LongThreshold:  cfg.LongThreshold,
		ShortThreshold: cfg.ShortThreshold,
		MinSpread:      cfg.MinSpread,
	})
	pos := ledger.New(ledger.Config{OrderQty: cfg.Size, MaxPosition: cfg.MaxPosition})

	ctrl := orderctl.New(orderctl.Config{
		Symbol: cfg.Ticker, OrderSize: cfg.Size, TickSize: cfg.TickSize,
		FillTimeout: time.Duration(cfg.FillTimeoutSec) * time.Second,
	}, maker, taker, pos, notifier, log)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, func() error { return nil })
	go func() {
		if err := metricsSrv.Start(); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	sup := supervisor.New(supervisor.Config{
		Symbol: cfg.Ticker, OrderQty: cfg.Size, MinBalance: decimal.NewFromInt(10), LockDir: cfg.LogDir,
	}, maker, taker, bk, analyzer, pos, ctrl, notifier, store, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		sup.RequestStop("interrupt")
	}()

	code, runErr := sup.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("shutdown completed with errors")
	}
	return code
}
