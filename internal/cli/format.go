package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"tradecore/internal/attribution"
	"tradecore/internal/models"
	"tradecore/internal/recovery"
	"tradecore/pkg/utils"
)

// formatConfidence renders a 0-100 confidence score.
func formatConfidence(c float64) string {
	return fmt.Sprintf("%.0f", c)
}

// gateBadge renders the gate status with its pause reasons.
func gateBadge(output *Output, st models.RiskState) string {
	if st.Status != models.GatePaused {
		return output.Green(string(models.GateOpen))
	}
	reasons := make([]string, len(st.PauseReasons))
	for i, r := range st.PauseReasons {
		reasons[i] = string(r)
	}
	badge := string(models.GatePaused)
	if len(reasons) > 0 {
		badge += " (" + strings.Join(reasons, ", ") + ")"
	}
	return output.Red(badge)
}

// sortedPositions returns open positions ordered by symbol.
func sortedPositions(p models.PortfolioSnapshot) []models.Position {
	out := make([]models.Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		if pos.Quantity == 0 {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func renderState(output *Output, st recovery.EngineState) error {
	if output.IsJSON() {
		return output.JSON(st)
	}

	p := st.Portfolio
	r := st.Risk

	output.Bold("Portfolio")
	output.Printf("  Equity:        %s\n", utils.FormatCurrency(p.CurrentEquity))
	output.Printf("  Available:     %s\n", utils.FormatCurrency(p.AvailableCapital))
	output.Printf("  Peak equity:   %s\n", utils.FormatCurrency(p.PeakEquity))
	output.Printf("  Daily P&L:     %s\n", output.Signed(p.DailyPnL, utils.FormatPnL(p.DailyPnL)))
	output.Printf("  Drawdown:      %.2f%%\n", p.DrawdownPct*100)
	output.Println()

	if positions := sortedPositions(p); len(positions) > 0 {
		table := NewTable(output, "SYMBOL", "QTY", "AVG ENTRY", "LAST", "UNREALIZED", "STRATEGY")
		for _, pos := range positions {
			table.AddRow(
				pos.Symbol,
				utils.FormatQuantity(pos.Quantity),
				utils.FormatCurrency(pos.AvgEntryPrice),
				utils.FormatCurrency(pos.LastPrice),
				output.Signed(pos.UnrealizedPnL, utils.FormatPnL(pos.UnrealizedPnL)),
				pos.StrategyTag,
			)
		}
		table.Render()
		output.Println()
	}

	if len(st.OpenOrders) > 0 {
		table := NewTable(output, "ORDER", "SYMBOL", "SIDE", "TYPE", "QTY", "FILLED", "AGE")
		for _, o := range st.OpenOrders {
			table.AddRow(
				o.ID,
				o.Symbol,
				string(o.Side),
				string(o.Type),
				utils.FormatQuantity(o.Quantity),
				utils.FormatQuantity(o.FilledQuantity()),
				utils.FormatAge(st.SavedAt.Sub(o.CreatedAt)),
			)
		}
		table.Render()
		output.Println()
	}

	output.Bold("Risk gate")
	output.Printf("  Status:        %s\n", gateBadge(output, r))
	if r.Status == models.GatePaused && !r.PausedAt.IsZero() {
		output.Printf("  Paused at:     %s\n", r.PausedAt.Local().Format(time.RFC3339))
	}
	output.Printf("  Loss streak:   %d\n", r.ConsecutiveLosses)
	output.Printf("  Hour loss:     %s\n", utils.FormatCurrency(r.HourLoss))
	output.Printf("  Day loss:      %s\n", utils.FormatCurrency(r.DayLoss))
	winRate := 0.0
	if r.TotalTrades > 0 {
		winRate = float64(r.TotalWins) / float64(r.TotalTrades) * 100
	}
	output.Printf("  Trades:        %d (%.0f%% won)\n", r.TotalTrades, winRate)
	output.Println()

	output.Dim("Snapshot saved %s", st.SavedAt.Local().Format(time.RFC3339))
	return nil
}

func renderReport(output *Output, r attribution.Report) {
	output.Bold("Loss attribution")
	output.Printf("  %s\n", r.Summary)
	output.Printf("  Trades analyzed: %d, losing: %d, total loss: %s\n",
		r.TradesAnalyzed, r.LosingTrades, utils.FormatCurrency(r.TotalLoss))
	if len(r.Findings) == 0 {
		return
	}
	output.Println()

	for i, f := range r.Findings {
		head := fmt.Sprintf("%d. %s [%s] severity %.2f", i+1, f.Category, f.Priority, f.Severity)
		switch f.Priority {
		case attribution.PriorityHigh:
			output.Error("%s", head)
		case attribution.PriorityMedium:
			output.Warning("%s", head)
		default:
			output.Printf("%s\n", head)
		}
		output.Printf("   %s\n", f.Evidence)
		output.Dim("   -> %s", f.Remediation)
	}
}
