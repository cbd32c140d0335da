package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/reconstruct"
)

// VerifyResult collects the reports of every checked entity type.
type VerifyResult struct {
	OK      bool                 `json:"ok"`
	Reports []reconstruct.Report `json:"reports"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [entity-type...]",
		Short: "Check stored history for damage",
		Long: `Re-derive every stored snapshot from the deltas and check version
numbering, lifecycle segments and content checksums.

Without arguments every entity type with history is checked.
Exits with status 1 when any issue is found.

Examples:
  chronicle verify
  chronicle verify account invoice`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, types []string, cmd *cobra.Command) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(types) == 0 {
		types, err = s.reader.EntityTypes(cmd.Context())
		if err != nil {
			return queryError("failed to list entity types", err)
		}
	}

	result := VerifyResult{OK: true, Reports: make([]reconstruct.Report, 0, len(types))}
	issues := 0
	for _, entityType := range types {
		s.out.VerboseLog("Verifying %s", entityType)
		report, err := s.reader.Verify(cmd.Context(), entityType)
		if err != nil {
			return queryError("failed to verify "+entityType, err)
		}
		if !report.OK() {
			result.OK = false
			issues += len(report.Issues)
		}
		result.Reports = append(result.Reports, report)
	}

	if err := s.out.Success(result, func(w io.Writer) {
		p := newPalette(w)
		for _, r := range result.Reports {
			status := p.added.Render("ok")
			if !r.OK() {
				status = p.removed.Render(fmt.Sprintf("%d issue(s)", len(r.Issues)))
			}
			fmt.Fprintf(w, "%s: %d entities, %d versions, %s\n", p.header.Render(r.EntityType), r.Entities, r.Versions, status)
			for _, issue := range r.Issues {
				fmt.Fprintf(w, "  %s\n", issue)
			}
		}
		if len(result.Reports) == 0 {
			fmt.Fprintln(w, p.muted.Render("no history"))
		}
	}); err != nil {
		return err
	}

	if !result.OK {
		return NewExitError(ExitFailure, fmt.Sprintf("history verification found %d issue(s)", issues))
	}
	return nil
}
