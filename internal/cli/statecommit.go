package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/statecommit"
)

// DefaultScopeRecord is where prove writes and verify/explain read.
const DefaultScopeRecord = "scope_record.cbor"

// ProveOptions holds flags for the prove command.
type ProveOptions struct {
	*RootOptions
	Base             string
	Head             string
	Output           string
	IgnorePolicyHash string
	Repo             string
	Workers          int
}

// ProveResult is the prove payload; the scope record itself goes to --output.
type ProveResult struct {
	statecommit.Commitment `yaml:",inline"`
	Output                 string `json:"output" yaml:"output"`
}

// NewProveCommand creates the prove command.
func NewProveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prove",
		Short: "Compute a STATE_COMMIT for a revision range",
		Long: `Compute a STATE_COMMIT over every path changed between --base and --head.

Each changed path is read at head (kind, executable bit, content hash, size),
the entries are encoded as a canonical CBOR scope record and written to
--output, and the Merkle root over the entries is reported.

Exit codes:
  0 - Commitment written
  1 - Invalid input (bad revision syntax, unsupported entry kind)
  2 - Command error (unknown revision, path missing at head, git failure)

Examples:
  keel prove --base 3f2c1a9
  keel prove --base main --head feature --output out.cbor
  keel prove --base v1.0.0 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Base, "base", "", "base revision (required)")
	_ = cmd.MarkFlagRequired("base")
	cmd.Flags().StringVar(&opts.Head, "head", "HEAD", "head revision")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", DefaultScopeRecord, "scope record output path")
	cmd.Flags().StringVar(&opts.IgnorePolicyHash, "ignore-policy-hash", statecommit.DefaultIgnorePolicyHash, "ignore policy hash recorded in the scope record")
	cmd.Flags().StringVar(&opts.Repo, "repo", ".", "git working directory")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent git reads (0 = GOMAXPROCS)")

	return cmd
}

func runProve(opts *ProveOptions, cmd *cobra.Command) error {
	env, err := opts.environment(cmd)
	if err != nil {
		return err
	}

	git := statecommit.NewGit(opts.Repo, statecommit.GitOptions{
		Binary:  env.Config.GitBinary,
		Timeout: env.Config.GitTimeout,
		Logger:  env.Logger,
	})
	engine := statecommit.NewEngine(git, statecommit.Options{
		Workers: opts.Workers,
		Logger:  env.Logger,
		Tracer:  env.Tracing.Tracer,
		Metrics: env.Metrics,
	})

	c, err := engine.Prove(cmd.Context(), statecommit.Input{
		Base:             opts.Base,
		Head:             opts.Head,
		IgnorePolicyHash: opts.IgnorePolicyHash,
	})
	if err != nil {
		return err
	}
	if err := statecommit.WriteScopeRecord(opts.Output, c.ScopeRecord); err != nil {
		return err
	}
	env.Logger.Info("state commitment written",
		"output", opts.Output,
		"entries", len(c.Entries),
		"root", c.Root,
	)

	return opts.formatter(cmd).Success(ProveResult{Commitment: *c, Output: opts.Output}, func(w io.Writer) {
		fmt.Fprintln(w, "STATE_COMMIT:")
		fmt.Fprintf(w, "  base: %s\n", c.Base)
		fmt.Fprintf(w, "  head: %s\n", c.Head)
		fmt.Fprintf(w, "  files: %d\n", len(c.Entries))
		fmt.Fprintf(w, "  scope_record_hash: %s\n", c.ScopeRecordHash)
		fmt.Fprintf(w, "  state_commit_root: %s\n", c.Root)
		fmt.Fprintf(w, "  output: %s\n", opts.Output)
	})
}

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	ScopeRecord  string
	ExpectedRoot string
	MerkleRoot   bool
}

// VerifyResult reports a verification.
type VerifyResult struct {
	ScopeRecord     string `json:"scope_record" yaml:"scope_record"`
	ScopeRecordHash string `json:"scope_record_hash" yaml:"scope_record_hash"`
	Root            string `json:"state_commit_root,omitempty" yaml:"state_commit_root,omitempty"`
	Expected        string `json:"expected,omitempty" yaml:"expected,omitempty"`
	Verified        bool   `json:"verified" yaml:"verified"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a scope record against an expected digest",
		Long: `Verify a scope record.

By default --expected-root is compared with sha256 of the scope record bytes.
With --merkle it is compared with the Merkle root recomputed from the decoded
entries instead; decoding also rejects records not in canonical form.
Without --expected-root the digest is reported and nothing is compared.

Exit codes:
  0 - Verified (or digest reported)
  1 - Mismatch or corrupt scope record
  2 - Command error (file not found, etc.)

Examples:
  keel verify --scope-record scope_record.cbor --expected-root 9d52aa...
  keel verify --scope-record scope_record.cbor --expected-root c6672a... --merkle`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ScopeRecord, "scope-record", DefaultScopeRecord, "path to the scope record")
	cmd.Flags().StringVar(&opts.ExpectedRoot, "expected-root", "", "expected digest")
	cmd.Flags().BoolVar(&opts.MerkleRoot, "merkle", false, "compare against the Merkle root instead of the record hash")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	record, err := readScopeRecord(opts.ScopeRecord)
	if err != nil {
		return err
	}

	res := VerifyResult{ScopeRecord: opts.ScopeRecord, Expected: opts.ExpectedRoot}
	var verr error
	switch {
	case opts.MerkleRoot:
		ex, err := statecommit.Explain(record)
		if err != nil {
			return err
		}
		res.ScopeRecordHash = ex.ScopeRecordHash
		res.Root = ex.Root
		if opts.ExpectedRoot != "" {
			_, verr = statecommit.VerifyRoot(record, opts.ExpectedRoot)
		}
	case opts.ExpectedRoot != "":
		h, err := statecommit.Verify(record, opts.ExpectedRoot)
		res.ScopeRecordHash = h.Hex()
		verr = err
	default:
		res.ScopeRecordHash = statecommit.ScopeRecordHash(record).Hex()
	}
	res.Verified = verr == nil && opts.ExpectedRoot != ""

	text := func(w io.Writer) {
		fmt.Fprintln(w, "STATE_COMMIT verification:")
		fmt.Fprintf(w, "  scope_record: %s\n", opts.ScopeRecord)
		fmt.Fprintf(w, "  scope_record_hash: %s\n", res.ScopeRecordHash)
		if res.Root != "" {
			fmt.Fprintf(w, "  state_commit_root: %s\n", res.Root)
		}
		switch {
		case verr != nil:
			fmt.Fprintln(w, "  MISMATCH")
		case res.Verified:
			fmt.Fprintln(w, "  VERIFIED")
		}
	}

	f := opts.formatter(cmd)
	if verr != nil {
		if err := f.Result(CLIResponse{Status: "error", Data: res, Error: describeError(verr)}, text); err != nil {
			return err
		}
		return reportedError(ExitFailure, "verification failed", verr)
	}
	return f.Success(res, text)
}

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
	ScopeRecord string
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Decode and describe a scope record",
		Long: `Decode a scope record and print its revisions, ignore policy hash,
entries and both digests.

Exit codes:
  0 - Explained
  1 - Corrupt or non-canonical scope record
  2 - Command error (file not found, etc.)

Examples:
  keel explain --scope-record scope_record.cbor
  keel explain --scope-record scope_record.cbor --format yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ScopeRecord, "scope-record", DefaultScopeRecord, "path to the scope record")

	return cmd
}

func runExplain(opts *ExplainOptions, cmd *cobra.Command) error {
	record, err := readScopeRecord(opts.ScopeRecord)
	if err != nil {
		return err
	}
	ex, err := statecommit.Explain(record)
	if err != nil {
		return err
	}

	return opts.formatter(cmd).Success(ex, func(w io.Writer) {
		fmt.Fprintln(w, "STATE_COMMIT explanation:")
		fmt.Fprintf(w, "  file: %s\n", opts.ScopeRecord)
		fmt.Fprintf(w, "  size: %d bytes\n", ex.Size)
		fmt.Fprintf(w, "  schema: %s v%d\n", ex.SchemaTag, ex.Version)
		fmt.Fprintf(w, "  base: %s\n", ex.Base)
		fmt.Fprintf(w, "  head: %s\n", ex.Head)
		fmt.Fprintf(w, "  ignore_policy_hash: %s\n", ex.IgnorePolicyHash)
		fmt.Fprintf(w, "  scope_record_hash: %s\n", ex.ScopeRecordHash)
		fmt.Fprintf(w, "  state_commit_root: %s\n", ex.Root)
		fmt.Fprintf(w, "  entries: %d\n", len(ex.Entries))
		for _, e := range ex.Entries {
			mode := "-"
			if e.Executable {
				mode = "x"
			}
			fmt.Fprintf(w, "    %s %s %s %8d %s\n", e.Kind, mode, e.ContentHash, e.Size, e.Path)
		}
	})
}

func readScopeRecord(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrNotFound.WithMessagef("scope record %s not found", path).With("path", path)
		}
		return nil, errclass.ErrIO.WithMessagef("read scope record %s", path).With("path", path).Wrap(err)
	}
	return b, nil
}
