package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradecore/internal/config"
	"tradecore/internal/logging"
	"tradecore/pkg/utils"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds state shared by every command. Config and Logger are filled in
// by the root command before any subcommand runs.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "tradecore",
		Short: "Paper-trading execution and capital-risk engine",
		Long: `tradecore runs strategies against consensus prices on a simulated book.

Every opportunity passes a risk gate and a position sizer before it reaches the
simulator. Losses trip circuit breakers that pause trading until an operator
resumes, and every pause comes with a loss attribution report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config", "", "config directory (default: ~/.config/tradecore)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newResumeCmd(app))
	rootCmd.AddCommand(newRestoreBackupCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))
	rootCmd.AddCommand(newAnalyzeCmd(app))

	return rootCmd
}

// init loads configuration and builds the logger.
func (a *App) init(cmd *cobra.Command) error {
	if a.ConfigDir == "" {
		a.ConfigDir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return err
	}
	a.Config = cfg

	// keep stdout parseable
	if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
		cfg.Logging.Console = false
	}
	a.Logger = logging.New(cfg.Logging)

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebugLevel()
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("tradecore v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate engine configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{"path": app.ConfigDir})
				return
			}
			output.Println(app.ConfigDir)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			// Load already validated; re-run so edits made since are caught too.
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Loop interval:      %s\n", cfg.Engine.LoopInterval)
	output.Printf("  Initial capital:    %s\n", utils.FormatCurrency(cfg.Engine.InitialCapital))
	output.Printf("  Symbols:            %v\n", cfg.Engine.Symbols)
	output.Printf("  Quote feed:         %s\n", orNone(cfg.Engine.QuoteFeedURL))
	output.Println()

	output.Bold("Risk")
	output.Printf("  Consecutive losses: %d\n", cfg.Risk.MaxConsecutiveLosses)
	output.Printf("  Hourly loss limit:  %s\n", utils.FormatCurrency(cfg.Risk.HourlyLossLimit))
	output.Printf("  Daily drawdown:     %.1f%%\n", cfg.Risk.DailyDrawdownPct*100)
	output.Printf("  Peak drawdown:      %.1f%%\n", cfg.Risk.PeakDrawdownPct*100)
	output.Printf("  Min win rate:       %.0f%% over %d trades\n", cfg.Risk.MinWinRate*100, cfg.Risk.WinRateWindow)
	output.Println()

	output.Bold("Sizing")
	output.Printf("  Base allocation:    %.1f%%\n", cfg.Sizing.BaseAllocationPct*100)
	output.Printf("  Max allocation:     %.1f%%\n", cfg.Sizing.MaxAllocationPct*100)
	output.Printf("  Min position:       %s\n", utils.FormatCurrency(cfg.Sizing.MinPositionSize))
	output.Println()

	output.Bold("Execution")
	output.Printf("  Commission:         %.3f%%\n", cfg.Execution.CommissionRate*100)
	output.Printf("  Slippage (bps):     %.1f-%.1f\n", cfg.Execution.MinSlippageBps, cfg.Execution.MaxSlippageBps)
	output.Printf("  Order timeout:      %s (%s)\n", cfg.Timeout.Timeout, cfg.Timeout.Action)
	output.Printf("  Requests/minute:    %d\n", cfg.Scheduler.RequestsPerMinute)
	output.Println()

	output.Bold("Recovery")
	output.Printf("  Snapshot:           %s\n", cfg.Recovery.Path)
	output.Printf("  Every:              %d submissions or %s\n", cfg.Recovery.EveryNSubmissions, cfg.Recovery.Interval)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
