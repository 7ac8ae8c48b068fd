package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"finagent/internal/app"
	"finagent/internal/config"
	"finagent/internal/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath   string
	databasePath string
	verbose      bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "finagent",
		Short: "Conversational financial analysis agent",
		Long: `finagent answers natural-language questions about revenue, expenses and
profit by letting a language model call financial analysis tools.

Without --config the agent runs offline against generated demo data.

Quick Start:
  finagent ask "How did revenue develop in 2024?"
  finagent insights --type overview --start 2024-01-01 --end 2024-12-31
  finagent serve --config config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&opts.databasePath, "database", "", "Override the sqlite database path")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newInsightsCmd(opts),
		newSeedCmd(opts),
	)
	return root
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// loadConfig reads --config, or falls back to the offline defaults, and
// applies the persistent overrides.
func (o *globalOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.databasePath != "" {
		cfg.Database.Path = o.databasePath
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func (o *globalOptions) logger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	return logging.New(cfg.Logging, cmd.ErrOrStderr())
}

// buildApp loads configuration and wires the application context.
func (o *globalOptions) buildApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	application, err := app.New(cmd.Context(), cfg, o.logger(cmd, cfg))
	if err != nil {
		return nil, fmt.Errorf("start finagent: %w", err)
	}
	return application, nil
}
