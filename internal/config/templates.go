package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradecore engine configuration

[engine]
# Scheduling loop cadence
loop_interval = "60s"
# Paper capital at first start (ignored once a snapshot exists)
initial_capital = 10000.0
# Tradable universe; empty accepts any symbol
symbols = []
# Optional websocket quote feed (ws://host/path)
quote_feed_url = ""

[engine.static_prices]
# Fixed quotes served by the built-in "static" source
# AAPL = 190.0

[consensus]
# Modified z-score above which a quote is an outlier
outlier_threshold = 3.5
max_quote_age = "30s"
# Confidence reported when every quote was discarded
confidence_floor = 10.0

[consensus.source_weights]
# source = reliability weight

[sizing]
base_allocation_pct = 0.05
max_allocation_pct = 0.10
min_position_size = 1.0

[risk]
max_consecutive_losses = 3
hourly_loss_limit = 50.0
daily_drawdown_pct = 0.15
peak_drawdown_pct = 0.25
min_win_rate = 0.50
min_trades_for_win_rate = 10
location = "UTC"

[execution]
commission_rate = 0.001
min_slippage_bps = 1.0
max_slippage_bps = 50.0
liquidity_reference = 100000.0
# alert when a fill lands this far beyond its reference price
slippage_alert_bps = 40.0

[execution.partial_fills]
market_orders = false
limit_orders = false

[timeout]
timeout = "30s"
# cancel or expire
action = "cancel"

[scheduler]
requests_per_minute = 120
burst = 5

[recovery]
every_n_submissions = 10
interval = "5m"

[strategy]
# Built-in RSI mean reversion
enabled = true
rsi_period = 14
oversold = 30.0
overbought = 70.0

[notifications]
enabled = true

[notifications.webhook]
enabled = false
url = ""

[logging]
level = "info"

[metrics]
enabled = false
addr = ":9090"
# /healthz refresh cadence
health_interval = "30s"
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "engine.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
