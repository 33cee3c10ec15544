package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/eventsource"
	"github.com/roach88/keel/internal/projection"
)

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [subsystem...]",
		Short: "Rebuild projections from their ledgers",
		Long: `Replay each subsystem's ledger into a new database generation and swap it
into place. Pending events are skipped. Defaults to every subsystem.

Exit codes:
  0 - Every projection rebuilt
  1 - Ledger corruption (unparseable line or content hash mismatch)
  2 - Command error (unknown subsystem, I/O failure)

Examples:
  keel rebuild
  keel rebuild tasks --format json`,
		ValidArgs:     projection.Names(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(rootOpts, subsystemsOrAll(args), cmd)
		},
	}
}

func runRebuild(opts *RootOptions, subsystems []string, cmd *cobra.Command) error {
	env, err := opts.environment(cmd)
	if err != nil {
		return err
	}

	reports := make([]eventsource.RebuildReport, 0, len(subsystems))
	for _, sub := range subsystems {
		src, err := env.Source(sub)
		if err != nil {
			return err
		}
		report, err := src.Rebuild(cmd.Context(), opts.Actor)
		if err != nil {
			return err
		}
		reports = append(reports, report)
	}

	return opts.formatter(cmd).Success(reports, func(w io.Writer) {
		for _, r := range reports {
			fmt.Fprintf(w, "✓ %s rebuilt: %d events, %d applied, %d pending skipped\n",
				r.Subsystem, r.Stats.Events, r.Stats.Applied, r.Stats.Skipped)
			fmt.Fprintf(w, "  fingerprint: %s\n", r.Fingerprint)
		}
	})
}

// ValidateResult holds the drift check of every requested subsystem.
type ValidateResult struct {
	Reports []eventsource.DriftReport `json:"reports" yaml:"reports"`
	InSync  bool                      `json:"in_sync" yaml:"in_sync"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [subsystem...]",
		Short: "Check projections against a replay of their ledgers",
		Long: `Replay each subsystem's ledger into a scratch database and compare its
fingerprint with the live projection. The live database is not modified.
Defaults to every subsystem.

Exit codes:
  0 - Every projection matches its ledger
  1 - Drift detected, or ledger corruption
  2 - Command error (unknown subsystem, I/O failure)

Examples:
  keel validate
  keel validate knowledge --format json`,
		ValidArgs:     projection.Names(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, subsystemsOrAll(args), cmd)
		},
	}
}

func runValidate(opts *RootOptions, subsystems []string, cmd *cobra.Command) error {
	env, err := opts.environment(cmd)
	if err != nil {
		return err
	}

	result := ValidateResult{Reports: make([]eventsource.DriftReport, 0, len(subsystems)), InSync: true}
	var drift []error
	for _, sub := range subsystems {
		src, err := env.Source(sub)
		if err != nil {
			return err
		}
		report, err := src.Validate(cmd.Context(), opts.Actor)
		switch {
		case err == nil:
		case errors.Is(err, errclass.ErrValidation) && !report.InSync():
			drift = append(drift, err)
			result.InSync = false
		default:
			return err
		}
		result.Reports = append(result.Reports, report)
	}

	text := func(w io.Writer) {
		for _, r := range result.Reports {
			if r.InSync() {
				fmt.Fprintf(w, "✓ %s in sync (%d events)\n", r.Subsystem, r.Stats.Events)
				continue
			}
			fmt.Fprintf(w, "✗ %s drift\n", r.Subsystem)
			fmt.Fprintf(w, "  live:   %s\n", r.Live)
			fmt.Fprintf(w, "  replay: %s\n", r.Replayed)
		}
	}

	f := opts.formatter(cmd)
	if len(drift) == 0 {
		return f.Success(result, text)
	}
	err = errors.Join(drift...)
	if rerr := f.Result(CLIResponse{Status: "error", Data: result, Error: describeError(drift[0])}, text); rerr != nil {
		return rerr
	}
	return reportedError(ExitFailure, fmt.Sprintf("%d projection(s) drifted", len(drift)), err)
}

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayResult reports a replay into a side database.
type ReplayResult struct {
	Subsystem string                  `json:"subsystem" yaml:"subsystem"`
	Database  string                  `json:"database" yaml:"database"`
	Stats     eventsource.ReplayStats `json:"stats" yaml:"stats"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <subsystem>",
		Short: "Replay a ledger into a separate database",
		Long: `Replay a subsystem's ledger into the database at --db without touching the
live projection. Any existing file at --db is replaced.

Exit codes:
  0 - Replay completed
  1 - Ledger corruption
  2 - Command error (unknown subsystem, missing ledger, etc.)

Examples:
  keel replay tasks --db /tmp/tasks.db`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     projection.Names(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the output database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *ReplayOptions, subsystem string, cmd *cobra.Command) error {
	env, err := opts.environment(cmd)
	if err != nil {
		return err
	}
	src, err := env.Source(subsystem)
	if err != nil {
		return err
	}
	stats, err := src.Replay(cmd.Context(), opts.Database)
	if err != nil {
		return err
	}

	res := ReplayResult{Subsystem: subsystem, Database: opts.Database, Stats: stats}
	return opts.formatter(cmd).Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s replayed into %s: %d events, %d applied, %d pending skipped\n",
			subsystem, opts.Database, stats.Events, stats.Applied, stats.Skipped)
	})
}

// subsystemsOrAll returns args deduplicated, or every subsystem when empty.
func subsystemsOrAll(args []string) []string {
	if len(args) == 0 {
		return projection.Names()
	}
	subs := slices.Clone(args)
	slices.Sort(subs)
	return slices.Compact(subs)
}
