package cli

import (
	"github.com/spf13/cobra"

	"tradecore/internal/attribution"
	"tradecore/internal/audit"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/recovery"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show portfolio and risk gate state from the last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := recovery.NewStore(app.Config.Recovery.Path, app.Logger).Load()
			if err != nil {
				if apperrors.Is(err, apperrors.ErrNoSnapshot) {
					if output.IsJSON() {
						return output.JSON(map[string]interface{}{"snapshot": nil})
					}
					output.Warning("No snapshot at %s", app.Config.Recovery.Path)
					return nil
				}
				if apperrors.Is(err, apperrors.ErrCorruptState) {
					output.Error("Snapshot failed verification: %v", err)
					output.Dim("Run 'tradecore restore-backup' to recover the last good copy.")
				}
				return err
			}
			return renderState(output, st)
		},
	}
}

func newResumeCmd(app *App) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Reopen a paused risk gate",
		Long: `Reopen the risk gate in the saved snapshot.

Without --force the gate stays closed while any breaker condition still holds.
--force overrides the conditions holding right now; they will not trip the
gate again until they clear and recur. Every attempt is audited.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := audit.WithActor(cmd.Context(), "cli")

			rt, err := app.build(ctx, nil, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			found, err := rt.engine.Recover(ctx, false)
			if err != nil {
				return err
			}
			if !found {
				output.Warning("No snapshot at %s, nothing to resume", app.Config.Recovery.Path)
				return nil
			}

			if err := rt.engine.Resume(ctx, force); err != nil {
				if apperrors.Is(err, apperrors.ErrResumeRefused) {
					output.Error("%v", err)
					output.Dim("Use --force to override conditions that still hold.")
				}
				return err
			}
			if err := rt.engine.SaveSnapshot(); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"status": rt.engine.Gate().Status(),
					"forced": force,
				})
			}
			output.Success("Risk gate %s", rt.engine.Gate().Status())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "override breaker conditions that still hold")
	return cmd
}

func newRestoreBackupCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "restore-backup",
		Short: "Replace a corrupt snapshot with the last good backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := audit.WithActor(cmd.Context(), "cli")

			rt, err := app.build(ctx, nil, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			found, err := rt.engine.Recover(ctx, true)
			if err != nil {
				return err
			}
			if !found {
				output.Warning("No snapshot at %s", app.Config.Recovery.Path)
				return nil
			}
			if err := rt.engine.SaveSnapshot(); err != nil {
				return err
			}
			if !output.IsJSON() {
				output.Success("Snapshot restored")
			}
			return renderState(output, rt.engine.State())
		},
	}
}

func newAnalyzeCmd(app *App) *cobra.Command {
	var window int

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run loss attribution over recent journaled trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			if window <= 0 {
				window = app.Config.Engine.HistorySize
			}
			trades, err := journal.RecentTrades(cmd.Context(), window)
			if err != nil {
				return err
			}

			// pause reasons are context only; analysis still runs without a snapshot
			st, _ := recovery.NewStore(app.Config.Recovery.Path, app.Logger).Load()

			report := attribution.NewAnalyzer(app.Config.Attribution, app.Logger).Analyze(trades, st.Risk.PauseReasons)
			if output.IsJSON() {
				return output.JSON(report)
			}
			renderReport(output, report)
			return nil
		},
	}

	cmd.Flags().IntVar(&window, "trades", 0, "number of recent trades to analyze (default engine.history_size)")
	return cmd
}
