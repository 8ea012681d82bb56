package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/wstm/internal/engine"
	"github.com/roach88/wstm/internal/harness"
	"github.com/roach88/wstm/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ProfileDB string // record every transaction to this SQLite database
	Filter    string // scenario name filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name    string              `json:"name"`
	File    string              `json:"file"`
	Pass    bool                `json:"pass"`
	Errors  []string            `json:"errors,omitempty"`
	Stats   *engine.ProfileData `json:"stats,omitempty"`
	Session string              `json:"session,omitempty"`
	Digest  string              `json:"digest,omitempty"` // hash of the final-state snapshot
}

// RunResult holds the overall result of a run.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario-file|dir>...",
		Short: "Run workload scenarios",
		Long: `Run workload scenarios against a fresh engine each and check their
invariants. Directories are searched recursively for .yaml, .yml and .cue
files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, database errors, etc.)

Examples:
  stm run ./scenarios
  stm run ./scenarios/transfer.yaml --profile-db ./profile.db
  stm run ./scenarios --filter "transfer*" --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ProfileDB, "profile-db", "", "record transactions to this SQLite database")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by name (glob pattern)")

	return cmd
}

func runScenarios(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}

	files, err := harness.FindScenarios(paths)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	var st *store.Store
	if opts.ProfileDB != "" {
		st, err = store.Open(opts.ProfileDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open profile database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing profile database", "error", closeErr)
			}
		}()
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	result := RunResult{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		sr, skip := runOne(ctx, cmd, opts, st, file)
		if skip {
			continue
		}
		if opts.Format != "json" {
			printScenarioText(cmd, sr)
		}
		result.Scenarios = append(result.Scenarios, sr)
		result.Total++
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(result); err != nil {
			return err
		}
	} else {
		printRunSummary(cmd, result)
	}

	if ctx.Err() != nil {
		return NewExitError(ExitFailure, "interrupted")
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// runOne loads and runs a single scenario. skip is true if the scenario
// does not match the name filter.
func runOne(ctx context.Context, cmd *cobra.Command, opts *RunOptions, st *store.Store, file string) (sr ScenarioResult, skip bool) {
	sr = ScenarioResult{Name: filepath.Base(file), File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return sr, false
	}
	sr.Name = scenario.Name
	if opts.Filter != "" {
		if ok, _ := filepath.Match(opts.Filter, scenario.Name); !ok {
			return sr, true
		}
	}

	logger := opts.logger(cmd.ErrOrStderr())
	runOpts := []harness.Option{harness.WithLogger(logger)}
	var rec *store.Recorder
	if st != nil {
		sess, err := st.BeginSession(ctx, scenario.Name)
		if err != nil {
			sr.Errors = []string{fmt.Sprintf("failed to begin profile session: %v", err)}
			return sr, false
		}
		sr.Session = sess.ID
		rec = store.NewRecorder(st, sess, logger)
		runOpts = append(runOpts, harness.WithEngineOptions(engine.WithRecorder(rec)))
	}

	res, err := harness.Run(ctx, scenario, runOpts...)
	if rec != nil {
		if closeErr := rec.Close(); closeErr != nil {
			logger.Error("profile recording incomplete", "scenario", scenario.Name, "error", closeErr)
		}
	}
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution error: %v", err)}
		return sr, false
	}

	sr.Pass = res.Pass
	sr.Errors = res.Errors
	if sr.Digest, err = harness.Digest(res); err != nil {
		logger.Warn("snapshot digest failed", "scenario", scenario.Name, "error", err)
	}
	stats := res.Stats
	stats.Elapsed = res.Elapsed
	sr.Stats = &stats
	return sr, false
}

func printScenarioText(cmd *cobra.Command, sr ScenarioResult) {
	w := cmd.OutOrStdout()
	p := message.NewPrinter(language.English)

	mark := "✓"
	if !sr.Pass {
		mark = "✗"
	}
	if sr.Stats != nil {
		p.Fprintf(w, "%s %s (%s, %d commits, %d conflicts)\n",
			mark, sr.Name, sr.Stats.Elapsed.Round(time.Millisecond), sr.Stats.Commits(), sr.Stats.Conflicts)
	} else {
		fmt.Fprintf(w, "%s %s\n", mark, sr.Name)
	}
	for _, e := range sr.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	if sr.Session != "" {
		fmt.Fprintf(w, "  profile session: %s\n", sr.Session)
	}
}

func printRunSummary(cmd *cobra.Command, result RunResult) {
	w := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}
