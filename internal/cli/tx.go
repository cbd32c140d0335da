package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/ir"
)

// TxResult is a transaction with the versions it wrote.
type TxResult struct {
	Transaction ir.Transaction     `json:"transaction"`
	Versions    []ir.VersionRecord `json:"versions"`
}

// NewTxCommand creates the tx command.
func NewTxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx <transaction-id>",
		Short: "Show one transaction and the versions it wrote",
		Long: `Show the attributes of a committed transaction (issue time, actor,
remote address, metadata) and every version record it wrote.

Examples:
  chronicle tx 2
  chronicle tx 2 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTx(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runTx(opts *RootOptions, rawID string, cmd *cobra.Command) error {
	n, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || n <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid transaction id %q", rawID))
	}
	id := ir.TransactionID(n)

	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	txn, versions, found, err := s.reader.Transaction(cmd.Context(), id)
	if err != nil {
		return queryError("failed to read transaction", err)
	}
	if !found {
		msg := fmt.Sprintf("transaction %d not found", id)
		if err := s.out.Error("NOT_FOUND", msg, nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	return s.out.Success(TxResult{Transaction: txn, Versions: versions}, func(w io.Writer) {
		p := newPalette(w)
		p.transaction(w, txn)
		if len(txn.Metadata) > 0 {
			fmt.Fprintf(w, "  %s\n", p.muted.Render(strings.Join(sortedMetadata(txn.Metadata), " ")))
		}
		for _, rec := range versions {
			fmt.Fprintf(w, "  %s%s v%d  %s\n", rec.EntityType, rec.EntityKey, rec.Version, p.op(rec.Operation))
			p.delta(w, "      ", rec.Delta)
		}
	})
}

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	After int64
	Limit int
}

// LogResult is one page of the transaction log.
type LogResult struct {
	Transactions []ir.Transaction `json:"transactions"`

	// NextAfter is the cursor for the following page when this one was full.
	NextAfter ir.TransactionID `json:"next_after,omitempty"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List committed transactions in id order",
		Long: `List committed transactions with ids greater than --after.

Examples:
  chronicle log
  chronicle log --after 100 --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only list transactions with a greater id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of transactions")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	if opts.Limit <= 0 || opts.After < 0 {
		return NewExitError(ExitCommandError, "--limit must be positive and --after non-negative")
	}
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	txns, err := s.reader.Log(cmd.Context(), ir.TransactionID(opts.After), opts.Limit)
	if err != nil {
		return queryError("failed to read log", err)
	}
	result := LogResult{Transactions: txns}
	if result.Transactions == nil {
		result.Transactions = []ir.Transaction{}
	}
	if len(txns) == opts.Limit {
		result.NextAfter = txns[len(txns)-1].ID
	}

	return s.out.Success(result, func(w io.Writer) {
		p := newPalette(w)
		if len(txns) == 0 {
			fmt.Fprintln(w, p.muted.Render("no transactions"))
			return
		}
		for _, txn := range txns {
			p.transaction(w, txn)
		}
		if result.NextAfter != 0 {
			fmt.Fprintln(w, p.muted.Render(fmt.Sprintf("more: --after %d", result.NextAfter)))
		}
	})
}
