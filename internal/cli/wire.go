package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tradecore/internal/audit"
	"tradecore/internal/config"
	"tradecore/internal/engine"
	"tradecore/internal/notify"
	"tradecore/internal/pricing"
	"tradecore/internal/store"
)

// runtime is an engine plus the resources it was built on.
type runtime struct {
	engine   *engine.Engine
	journal  *store.SQLiteJournal
	audit    *audit.Logger
	notifier *notify.MultiNotifier
}

// build wires an engine from the loaded configuration. The notifier is
// started on ctx; Close drains it.
func (a *App) build(ctx context.Context, sources []pricing.QuoteSource, strategies []engine.Strategy) (*runtime, error) {
	cfg := a.Config
	rt := &runtime{}

	deps := engine.Deps{
		Sources:    sources,
		Strategies: strategies,
	}

	if cfg.Store.Enabled {
		journal, err := store.NewSQLiteJournal(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		rt.journal = journal
		deps.Journal = journal
	}

	if cfg.Audit.Enabled {
		auditLog, err := audit.NewLogger(cfg.Audit)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.audit = auditLog
		deps.Audit = auditLog
	}

	if cfg.Notifications.Enabled {
		rt.notifier = notify.NewMultiNotifier(cfg.Notifications, a.Logger)
		rt.notifier.Start(ctx)
		deps.Notifier = rt.notifier
	}

	rt.engine = engine.New(cfg, deps, a.Logger)
	return rt, nil
}

// Close releases everything build opened. The engine must already be stopped.
func (rt *runtime) Close() {
	if rt.notifier != nil {
		rt.notifier.Close()
	}
	if rt.audit != nil {
		_ = rt.audit.Close()
	}
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
}

// staticSource builds the fixed-price source from engine.static_prices.
// Viper lower-cases map keys, so symbols are upper-cased again here.
func staticSource(cfg *config.Config) (*pricing.StaticSource, []string) {
	if len(cfg.Engine.StaticPrices) == 0 {
		return nil, nil
	}
	src := pricing.NewStaticSource("static", sourceWeight(cfg, "static"))
	symbols := make([]string, 0, len(cfg.Engine.StaticPrices))
	for sym, price := range cfg.Engine.StaticPrices {
		sym = strings.ToUpper(sym)
		src.Set(sym, price)
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return src, symbols
}

func sourceWeight(cfg *config.Config, name string) float64 {
	if w, ok := cfg.Consensus.SourceWeights[name]; ok && w > 0 {
		return w
	}
	return 1
}
