package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// DefaultActor is recorded when --actor is not given.
const DefaultActor = "keel-cli"

// Version is stamped into trace resources.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	Root       string // state directory override
	ConfigPath string
	Actor      string
	Intent     string

	// env is opened by the first command that needs the state layer and
	// closed by Execute.
	env *Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for the keel CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keel",
		Short: "keel - state commitments and event-sourced project state",
		Long: `keel commits to the exact set of changed files between two git revisions
and keeps project state (tasks, knowledge) as append-only ledgers with
rebuildable projections.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "state directory (overrides config and KEEL_ROOT)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default <root>/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", DefaultActor, "actor recorded in the audit log and ledger")
	cmd.PersistentFlags().StringVar(&opts.Intent, "intent", "", "intent reference recorded with mutations")

	// Add subcommands
	cmd.AddCommand(NewProveCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewExplainCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewTaskCommand(opts))
	cmd.AddCommand(NewKnowledgeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// Execute runs keel with args and returns the process exit code. Errors
// not already written by their command are reported in the selected
// format: JSON and YAML on stdout, text on stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if opts.env != nil {
		if cerr := opts.env.Close(); cerr != nil {
			opts.env.Logger.Warn("telemetry flush failed", "error", cerr)
		}
	}
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.Reported {
		f := opts.formatter(cmd)
		if !slices.Contains(ValidFormats, f.Format) {
			f.Format = "text"
		}
		_ = f.Error(err)
	}
	return GetExitCode(err)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
