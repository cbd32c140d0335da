package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/cache"
	"github.com/roach88/chronicle/internal/config"
	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/reconstruct"
	"github.com/roach88/chronicle/internal/store"
)

// session bundles what a history command needs: config, logger, store and
// a reader with metrics and (if enabled) the state cache.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	cache    *cache.Cache
	registry *prometheus.Registry
	reader   *reconstruct.Reader
	out      *OutputFormatter
}

func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, cmd)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create logger", err)
	}

	st, err := store.Open(cmd.Context(), cfg.Store())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	s := &session{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: prometheus.NewRegistry(),
		out:      newFormatter(cmd, opts),
	}

	readerOpts := []reconstruct.Option{
		reconstruct.WithLogger(logger),
		reconstruct.WithMetrics(metrics.New(s.registry)),
	}
	if cc, ok := cfg.CacheConfig(); ok {
		cc.Logger = logger
		c, err := cache.Open(cc)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
		}
		s.cache = c
		readerOpts = append(readerOpts, reconstruct.WithCache(c))
	}
	s.reader = reconstruct.New(st, readerOpts...)

	logger.Debug("session opened", "driver", cfg.Database.Driver, "cache", s.cache != nil)
	return s, nil
}

func (s *session) Close() {
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("failed to close cache", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close database", "error", err)
	}
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// parseKey canonicalizes a key argument such as '{"id":1}'.
func parseKey(arg string) (ir.Key, error) {
	key, err := ir.ParseKey(arg)
	if err != nil {
		return "", WrapExitError(ExitCommandError, fmt.Sprintf("invalid key %s", arg), err)
	}
	return key, nil
}

// queryError maps a reader error to an exit error.
func queryError(op string, err error) error {
	if ir.IsProtocolError(err) {
		return WrapExitError(ExitCommandError, op, err)
	}
	return WrapExitError(ExitFailure, op, err)
}
