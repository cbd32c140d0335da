package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/reconstruct"
	"github.com/roach88/chronicle/internal/store"
)

// VersionsResult lists an entity's version records.
type VersionsResult struct {
	EntityType string             `json:"entity_type"`
	EntityKey  ir.Key             `json:"entity_key"`
	Versions   []ir.VersionRecord `json:"versions"`
}

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <entity-type> <key>",
		Short: "List every version of an entity",
		Long: `List the version records of one entity in transaction order.

The key is the canonical JSON of the primary key fields.

Examples:
  chronicle versions account '{"id":1}'
  chronicle versions account '{"id":1}' --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersions(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runVersions(opts *RootOptions, entityType, rawKey string, cmd *cobra.Command) error {
	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.reader.Versions(cmd.Context(), entityType, key)
	if err != nil {
		return queryError("failed to read versions", err)
	}
	if records == nil {
		records = []ir.VersionRecord{}
	}

	result := VersionsResult{EntityType: entityType, EntityKey: key, Versions: records}
	return s.out.Success(result, func(w io.Writer) {
		p := newPalette(w)
		fmt.Fprintf(w, "%s %s: %d version(s)\n", p.header.Render(entityType), key, len(records))
		for _, rec := range records {
			fmt.Fprintf(w, "  v%d  tx %d  seg %d  %s\n", rec.Version, rec.TransactionID, rec.Segment, p.op(rec.Operation))
			p.delta(w, "      ", rec.Delta)
		}
	})
}

// StateOptions holds flags for the state command.
type StateOptions struct {
	*RootOptions
	AsOfTx   int64
	AsOfTime string
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts, AsOfTx: -1}

	cmd := &cobra.Command{
		Use:   "state <entity-type> <key>",
		Short: "Reconstruct an entity's fields at a point in history",
		Long: `Reconstruct the fields an entity had as of a transaction id or an
instant. Without --as-of-tx or --as-of-time the latest state is shown.

Exits with status 1 when the entity did not exist at that point.

Examples:
  chronicle state account '{"id":1}'
  chronicle state account '{"id":1}' --as-of-tx 2
  chronicle state account '{"id":1}' --as-of-time 2024-01-01T00:00:02Z`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.AsOfTx, "as-of-tx", -1, "transaction id to reconstruct at")
	cmd.Flags().StringVar(&opts.AsOfTime, "as-of-time", "", "RFC 3339 instant to reconstruct at")
	cmd.MarkFlagsMutuallyExclusive("as-of-tx", "as-of-time")

	return cmd
}

// asOf turns the flags into a history point.
func (o *StateOptions) asOf() (ir.AsOf, error) {
	switch {
	case o.AsOfTime != "":
		t, err := time.Parse(time.RFC3339Nano, o.AsOfTime)
		if err != nil {
			return ir.AsOf{}, WrapExitError(ExitCommandError, "invalid --as-of-time", err)
		}
		return ir.AtTime(t), nil
	case o.AsOfTx >= 0:
		return ir.AtTransaction(ir.TransactionID(o.AsOfTx)), nil
	default:
		return ir.AtTransaction(store.Latest), nil
	}
}

func runState(opts *StateOptions, entityType, rawKey string, cmd *cobra.Command) error {
	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	asOf, err := opts.asOf()
	if err != nil {
		return err
	}
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	state, found, err := s.reader.StateAt(cmd.Context(), entityType, key, asOf)
	if err != nil {
		return queryError("failed to reconstruct state", err)
	}
	if !found {
		msg := fmt.Sprintf("%s %s does not exist as of %s", entityType, key, asOf)
		if err := s.out.Error("NOT_FOUND", msg, nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	return s.out.Success(state, func(w io.Writer) {
		p := newPalette(w)
		fmt.Fprintf(w, "%s %s as of tx %d\n", p.header.Render(entityType), key, state.AsOf)
		fmt.Fprintf(w, "  %s\n", p.muted.Render(fmt.Sprintf("version %d, segment %d, written by tx %d",
			state.Version, state.Segment, state.TransactionID)))
		p.fields(w, "  ", state.Fields)
	})
}

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	From        int64
	To          int64
	IncludeFrom bool
	ExcludeTo   bool
}

// DiffResult is the net delta of an entity between two transactions.
type DiffResult struct {
	EntityType string           `json:"entity_type"`
	EntityKey  ir.Key           `json:"entity_key"`
	From       ir.TransactionID `json:"from"`
	To         ir.TransactionID `json:"to"`
	Delta      ir.Delta         `json:"delta"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff <entity-type> <key>",
		Short: "Show the net change of an entity between two transactions",
		Long: `Compose the deltas of the versions written after --from and up to
--to into one change per field. Fields that changed and changed back are
left out.

Examples:
  chronicle diff account '{"id":1}' --from 1 --to 3
  chronicle diff account '{"id":1}' --from 1 --to 3 --include-from`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "lower transaction id (exclusive unless --include-from)")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "upper transaction id (inclusive unless --exclude-to)")
	cmd.Flags().BoolVar(&opts.IncludeFrom, "include-from", false, "include the version written at --from")
	cmd.Flags().BoolVar(&opts.ExcludeTo, "exclude-to", false, "leave out the version written at --to")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runDiff(opts *DiffOptions, entityType, rawKey string, cmd *cobra.Command) error {
	key, err := parseKey(rawKey)
	if err != nil {
		return err
	}
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	from, to := ir.TransactionID(opts.From), ir.TransactionID(opts.To)
	delta, err := s.reader.DiffVersions(cmd.Context(), entityType, key, from, to, reconstruct.DiffOptions{
		IncludeFrom: opts.IncludeFrom,
		ExcludeTo:   opts.ExcludeTo,
	})
	if err != nil {
		return queryError("failed to diff versions", err)
	}
	if delta == nil {
		delta = ir.Delta{}
	}

	result := DiffResult{EntityType: entityType, EntityKey: key, From: from, To: to, Delta: delta}
	return s.out.Success(result, func(w io.Writer) {
		p := newPalette(w)
		fmt.Fprintf(w, "%s %s tx %d..%d\n", p.header.Render(entityType), key, from, to)
		p.delta(w, "  ", delta)
	})
}
