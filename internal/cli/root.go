// Package cli implements the chronicle command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/config"
	"github.com/roach88/chronicle/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Driver and DSN override the configured database when set.
	Driver string
	DSN    string

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the chronicle CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chronicle",
		Short: "chronicle - version history for mutable records",
		Long: `Inspect and serve the version history recorded by the chronicle engine.

Every committed unit of work gets a transaction id; every changed entity
gets a version record with its delta and full snapshot. These commands
reconstruct past states, compute diffs and check the history for damage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./chronicle.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "database driver override (sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database DSN override")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewTxCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// Config loads configuration once and applies flag overrides.
func (o *RootOptions) Config() (config.Config, error) {
	if o.cfg != nil {
		return *o.cfg, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Driver != "" {
		cfg.Database.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.Database.DSN = o.DSN
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid flags", err)
	}
	o.cfg = &cfg
	return cfg, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// newLogger builds the diagnostic logger. Logs go to stderr so JSON output
// on stdout stays parseable.
func newLogger(cfg config.Config, cmd *cobra.Command) (*slog.Logger, error) {
	return logging.New(cmd.ErrOrStderr(), cfg.Logging())
}
