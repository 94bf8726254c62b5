package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"tradecore/internal/config"
	"tradecore/internal/engine"
	"tradecore/internal/pricing"
	"tradecore/internal/resilience"
	"tradecore/internal/strategy"
)

func newRunCmd(app *App) *cobra.Command {
	var (
		useBackup bool
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the paper-trading engine",
		Long: `Run the engine until interrupted.

Quotes come from engine.static_prices and, when set, the websocket feed at
engine.quote_feed_url. State is restored from the last snapshot on start and
saved again on shutdown. Risk settings in engine.toml are reloaded live.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.run(ctx, NewOutput(cmd), useBackup, once)
		},
	}

	cmd.Flags().BoolVar(&useBackup, "use-backup", false, "fall back to the backup snapshot if the primary is corrupt")
	cmd.Flags().BoolVar(&once, "once", false, "run a single iteration, save and exit")
	return cmd
}

func (a *App) run(ctx context.Context, output *Output, useBackup, once bool) error {
	cfg := a.Config

	var sources []pricing.QuoteSource
	static, symbols := staticSource(cfg)
	if static != nil {
		sources = append(sources, static)
	}
	var feed *pricing.WSFeed
	if cfg.Engine.QuoteFeedURL != "" {
		feed = pricing.NewWSFeed("feed", cfg.Engine.QuoteFeedURL, sourceWeight(cfg, "feed"), a.Logger)
		feed.MaxAge = cfg.Consensus.MaxQuoteAge
		sources = append(sources, feed)
	}
	if len(sources) == 0 {
		return errors.New("no quote sources: set engine.static_prices or engine.quote_feed_url")
	}
	if len(cfg.Engine.Symbols) == 0 {
		cfg.Engine.Symbols = symbols
	}

	var strategies []engine.Strategy
	if cfg.Strategy.Enabled {
		strategies = append(strategies, strategy.NewRSIReversion(cfg.Strategy, a.Logger))
	}

	rt, err := a.build(ctx, sources, strategies)
	if err != nil {
		return err
	}
	defer rt.Close()
	eng := rt.engine

	if feed != nil {
		eng.Health().Register("quote_feed", resilience.StreamHealthCheck(feed.Connected))
	}

	if _, err := eng.Recover(ctx, useBackup); err != nil {
		return err
	}

	if once {
		if err := eng.RunOnce(ctx); err != nil {
			return err
		}
		if err := eng.SaveSnapshot(); err != nil {
			return err
		}
		return renderState(output, eng.State())
	}

	var wg conc.WaitGroup
	defer wg.Wait()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if feed != nil {
		wg.Go(func() {
			if err := feed.Run(runCtx); err != nil && runCtx.Err() == nil {
				a.Logger.Error().Err(err).Msg("Quote feed stopped")
			}
		})
	}
	if cfg.Metrics.Enabled {
		wg.Go(func() {
			if err := eng.Metrics().Serve(runCtx, cfg.Metrics.Addr, eng.Health().Handler(), a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		})
	}

	if _, err := config.NewWatcher(a.ConfigDir, a.Logger).Watch(func(next *config.Config) {
		eng.UpdateRisk(runCtx, next.Risk)
	}); err != nil {
		a.Logger.Warn().Err(err).Msg("Config hot reload disabled")
	}

	if err := eng.Start(runCtx); err != nil {
		return err
	}
	output.Info("Engine running on %d symbols, Ctrl-C to stop", len(cfg.Engine.Symbols))

	<-ctx.Done()
	output.Info("Shutting down")
	stopErr := eng.Stop()
	cancel()
	return stopErr
}
