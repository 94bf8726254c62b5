package cli

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradecore/internal/store"
	"tradecore/pkg/utils"
)

// openJournal opens the SQLite trade journal named in config.
func (a *App) openJournal() (*store.SQLiteJournal, error) {
	if !a.Config.Store.Enabled {
		return nil, errors.New("trade journal disabled (store.enabled = false)")
	}
	return store.NewSQLiteJournal(a.Config.Store.Path)
}

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the trade and opportunity journal",
	}
	cmd.AddCommand(newJournalTradesCmd(app))
	cmd.AddCommand(newJournalOpportunitiesCmd(app))
	return cmd
}

func newJournalTradesCmd(app *App) *cobra.Command {
	var (
		filter store.TradeFilter
		since  time.Duration
		asCSV  bool
	)

	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List closed trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			filter.Symbol = strings.ToUpper(filter.Symbol)
			if since > 0 {
				filter.StartDate = time.Now().Add(-since)
			}
			trades, err := journal.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asCSV {
				return writeTradesCSV(cmd.OutOrStdout(), trades)
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("No trades")
				return nil
			}

			table := NewTable(output, "CLOSED", "SYMBOL", "SIDE", "QTY", "ENTRY", "EXIT", "P&L", "STRATEGY")
			total := 0.0
			for _, t := range trades {
				total += t.PnL
				table.AddRow(
					t.ClosedAt.Local().Format("01-02 15:04:05"),
					t.Symbol,
					string(t.Side),
					utils.FormatQuantity(t.Quantity),
					utils.FormatCurrency(t.EntryPrice),
					utils.FormatCurrency(t.ExitPrice),
					output.Signed(t.PnL, utils.FormatPnL(t.PnL)),
					t.StrategyTag,
				)
			}
			table.Render()
			output.Println()
			output.Printf("%d trades, net %s\n", len(trades), output.Signed(total, utils.FormatPnL(total)))
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Symbol, "symbol", "", "only this symbol")
	cmd.Flags().StringVar(&filter.Strategy, "strategy", "", "only this strategy tag")
	cmd.Flags().BoolVar(&filter.LossesOnly, "losses", false, "only losing trades")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	cmd.Flags().DurationVar(&since, "since", 0, "only trades closed within this window (e.g. 24h)")
	cmd.Flags().BoolVar(&asCSV, "csv", false, "write CSV instead of a table")
	return cmd
}

func newJournalOpportunitiesCmd(app *App) *cobra.Command {
	var (
		filter   store.OpportunityFilter
		rejected bool
		admitted bool
	)

	cmd := &cobra.Command{
		Use:     "opportunities",
		Aliases: []string{"opps"},
		Short:   "List opportunities and how the engine handled them",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if rejected && admitted {
				return errors.New("--rejected and --admitted are mutually exclusive")
			}
			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			filter.Symbol = strings.ToUpper(filter.Symbol)
			switch {
			case rejected:
				no := false
				filter.Admitted = &no
			case admitted:
				yes := true
				filter.Admitted = &yes
			}

			opps, err := journal.GetOpportunities(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(opps)
			}
			if len(opps) == 0 {
				output.Dim("No opportunities")
				return nil
			}

			table := NewTable(output, "TIME", "SYMBOL", "SIDE", "EDGE", "CONF", "SIZE", "RESULT")
			for _, o := range opps {
				result := output.Green(o.OrderID)
				if !o.Admitted {
					result = output.Red(o.RejectReason)
				}
				table.AddRow(
					o.Timestamp.Local().Format("01-02 15:04:05"),
					o.Symbol,
					string(o.Side),
					utils.FormatPercent(o.ExpectedEdge*100),
					formatConfidence(o.Confidence),
					utils.FormatCurrency(o.Size),
					result,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Symbol, "symbol", "", "only this symbol")
	cmd.Flags().StringVar(&filter.Strategy, "strategy", "", "only this strategy tag")
	cmd.Flags().BoolVar(&rejected, "rejected", false, "only opportunities that were not executed")
	cmd.Flags().BoolVar(&admitted, "admitted", false, "only opportunities that reached the simulator")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	return cmd
}
