package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Filter string // glob matched against scenario file names
	Trace  bool   // include the commit trace in the output
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string               `json:"name"`
	File   string               `json:"file"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// ScenarioRunResult holds the overall result.
type ScenarioRunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Run YAML change scenarios against a scratch database",
		Long: `Run scenario files through the engine on a private in-memory database
and check their assertions. A directory runs every *.yaml and *.yml file in it.

Exits with status 1 when any scenario fails.

Examples:
  chronicle scenario ./scenarios
  chronicle scenario ./scenarios --filter 'account_*'
  chronicle scenario ./scenarios/recreate.yaml --trace --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenario files matching this glob")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the commit trace of each scenario")

	return cmd
}

func runScenarios(opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create logger", err)
	}
	formatter := newFormatter(cmd, opts.RootOptions)

	files, err := harness.FindScenarios(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid --filter", err)
		}
		kept := files[:0]
		for _, f := range files {
			if ok, _ := filepath.Match(opts.Filter, filepath.Base(f)); ok {
				kept = append(kept, f)
			}
		}
		files = kept
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("no scenarios found in %s", path))
	}

	result := ScenarioRunResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		formatter.VerboseLog("Running %s", file)
		sr := runScenarioFile(opts, file, cmd, logger)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if err := formatter.Success(result, func(w io.Writer) {
		writeScenarioText(w, result)
	}); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total))
	}
	return nil
}

func runScenarioFile(opts *ScenarioOptions, file string, cmd *cobra.Command, logger *slog.Logger) ScenarioResult {
	sr := ScenarioResult{Name: filepath.Base(file), File: file}
	scenario, res, err := harness.RunFile(cmd.Context(), file, harness.WithLogger(logger))
	if scenario != nil {
		sr.Name = scenario.Name
	}
	if res != nil {
		sr.Pass = res.Pass
		sr.Errors = res.Errors
		if opts.Trace {
			sr.Trace = res.Trace
		}
	}
	if err != nil && !errors.Is(err, harness.ErrScenarioFailed) {
		sr.Pass = false
		sr.Errors = append(sr.Errors, err.Error())
	}
	return sr
}

func writeScenarioText(w io.Writer, result ScenarioRunResult) {
	p := newPalette(w)
	for _, sr := range result.Scenarios {
		if sr.Pass {
			fmt.Fprintf(w, "%s %s\n", p.added.Render("PASS"), sr.Name)
		} else {
			fmt.Fprintf(w, "%s %s\n", p.removed.Render("FAIL"), sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  - %s\n", e)
			}
		}
		for _, ev := range sr.Trace {
			if ev.Error != "" {
				fmt.Fprintf(w, "  unit %d: %s\n", ev.Unit, p.removed.Render(string(ev.Error)))
				continue
			}
			if ev.TransactionID == 0 {
				fmt.Fprintf(w, "  unit %d: %s\n", ev.Unit, p.muted.Render("no changes"))
				continue
			}
			fmt.Fprintf(w, "  unit %d: tx %d\n", ev.Unit, ev.TransactionID)
			for _, v := range ev.Versions {
				fmt.Fprintf(w, "    %s%s v%d  %s\n", v.EntityType, v.EntityKey, v.Version, p.op(v.Operation))
				p.delta(w, "        ", v.Delta)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
