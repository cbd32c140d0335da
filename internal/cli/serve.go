package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the history query API over HTTP",
		Long: `Start a read-only HTTP server exposing the history queries under /v1,
a health check at /healthz and Prometheus metrics at /metrics.

The server stops gracefully on SIGINT or SIGTERM.

Examples:
  chronicle serve --dsn ./history.db
  chronicle serve --addr :9090 --config ./chronicle.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := s.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Debug("starting server", "driver", s.cfg.Database.Driver, "cache", s.cache != nil)
	server := api.NewServer(s.reader,
		api.WithPinger(s.store),
		api.WithGatherer(s.registry),
		api.WithLogger(s.logger),
	)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}
