package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/store"
)

// MigrateResult is the outcome of a migrate run.
type MigrateResult struct {
	Driver      string `json:"driver"`
	FromVersion int64  `json:"from_version"`
	Version     int64  `json:"version"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Create or upgrade the history tables in the configured database.

Other commands migrate on open as well; migrate is for provisioning a
database ahead of time and for reporting the schema version.

Examples:
  chronicle migrate --dsn ./history.db
  chronicle migrate --driver postgres --dsn postgres://localhost/app`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
	return cmd
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create logger", err)
	}

	storeCfg := cfg.Store()
	storeCfg.SkipMigrations = true
	st, err := store.Open(cmd.Context(), storeCfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	// A database that was never migrated has no version table yet.
	from, err := st.SchemaVersion(cmd.Context())
	if err != nil {
		logger.Debug("no schema version", "error", err)
		from = 0
	}
	version, err := st.Migrate(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "migration failed", err)
	}
	logger.Info("migrated", "driver", st.Dialect().Name(), "from", from, "to", version)

	result := MigrateResult{Driver: st.Dialect().Name(), FromVersion: from, Version: version}
	return newFormatter(cmd, opts).Success(result, func(w io.Writer) {
		if from == version {
			fmt.Fprintf(w, "schema up to date (version %d)\n", version)
			return
		}
		fmt.Fprintf(w, "migrated %s schema from version %d to %d\n", result.Driver, from, version)
	})
}
