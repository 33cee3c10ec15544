package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/projection/knowledge"
	"github.com/roach88/keel/internal/store"
)

// KnowledgeOptions holds flags for the knowledge commands.
type KnowledgeOptions struct {
	EventOptions
}

// NodeView is a node with the edges touching it.
type NodeView struct {
	knowledge.Node `yaml:",inline"`
	Edges          []knowledge.Edge `json:"edges" yaml:"edges"`
}

// NewKnowledgeCommand creates the knowledge command and its subcommands.
func NewKnowledgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KnowledgeOptions{EventOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:     "knowledge",
		Aliases: []string{"kb"},
		Short:   "Record and query the knowledge graph",
		Long: `Record knowledge events and query the knowledge graph projection.

Nodes carry a provenance reference (file:, url:, cmd:, commit: or event:).
A node created with --merge-key resolves against the active node holding
the same key according to --on-conflict: merge (default), supersede or
reject.

Exit codes:
  0 - Event recorded / query answered
  1 - Rejected (merge-key conflict, supersede cycle, disallowed transition)
  2 - Command error (unknown node, I/O failure)`,
	}
	opts.addFlags(cmd)

	cmd.AddCommand(newKnowledgeAddCommand(opts))
	cmd.AddCommand(newKnowledgeSupersedeCommand(opts))
	cmd.AddCommand(newKnowledgeTransitionCommand(opts))
	cmd.AddCommand(newKnowledgeEdgeCommand(opts, "link", "edge.add", "Add a typed edge between two nodes"))
	cmd.AddCommand(newKnowledgeEdgeCommand(opts, "unlink", "edge.remove", "Remove a typed edge"))
	cmd.AddCommand(newKnowledgeListCommand(opts))
	cmd.AddCommand(newKnowledgeShowCommand(opts))

	return cmd
}

func newKnowledgeAddCommand(opts *KnowledgeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create a node",
		Example: `  keel knowledge add N1 --title "Use WAL" --provenance file:docs/adr/0003.md#L10-L20
  keel knowledge add N2 --title "Use WAL v2" --provenance commit:3f2c1a9 --merge-key storage.journal --on-conflict supersede`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ir.Object{}
			changedStrings(cmd, payload, map[string]string{
				"title":       "title",
				"content":     "content",
				"kind":        "kind",
				"provenance":  "provenance",
				"claim-id":    "claim_id",
				"merge-key":   "merge_key",
				"on-conflict": "on_conflict",
				"ttl":         "ttl_policy",
				"expires":     "expires_ts",
			})
			return opts.record(cmd, knowledge.Subsystem, "node.create", args[0], payload)
		},
	}

	cmd.Flags().String("title", "", "node title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().String("provenance", "", "source reference (required)")
	_ = cmd.MarkFlagRequired("provenance")
	cmd.Flags().String("content", "", "node body")
	cmd.Flags().String("kind", "note", "note|decision|fact|rationale")
	cmd.Flags().String("claim-id", "", "claim this node supports")
	cmd.Flags().String("merge-key", "", "dedup key among active nodes")
	cmd.Flags().String("on-conflict", "", "merge|supersede|reject (default merge)")
	cmd.Flags().String("ttl", "", "ephemeral|decay|persistent")
	cmd.Flags().String("expires", "", "expiry timestamp (RFC 3339, UTC)")

	return cmd
}

func newKnowledgeSupersedeCommand(opts *KnowledgeOptions) *cobra.Command {
	var old string

	cmd := &cobra.Command{
		Use:           "supersede <new-id>",
		Short:         "Mark an active node superseded by another",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.record(cmd, knowledge.Subsystem, "node.supersede", args[0], ir.Object{"old": ir.String(old)})
		},
	}

	cmd.Flags().StringVar(&old, "old", "", "the node being replaced (required)")
	_ = cmd.MarkFlagRequired("old")

	return cmd
}

func newKnowledgeTransitionCommand(opts *KnowledgeOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:           "transition <id>",
		Short:         "Change a node's status",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.record(cmd, knowledge.Subsystem, "node.transition", args[0], ir.Object{"status": ir.String(status)})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "active|deprecated|stale (required)")
	_ = cmd.MarkFlagRequired("status")

	return cmd
}

func newKnowledgeEdgeCommand(opts *KnowledgeOptions, use, eventType, short string) *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:           use + " <from> <to>",
		Short:         short,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.record(cmd, knowledge.Subsystem, eventType, args[0], ir.Object{
				"to":   ir.String(args[1]),
				"type": ir.String(typ),
			})
		},
	}

	cmd.Flags().StringVar(&typ, "type", "relates_to", "relates_to|depends_on|derived_from|contradicts|refines")

	return cmd
}

func newKnowledgeListCommand(opts *KnowledgeOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List nodes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var nodes []knowledge.Node
			err := opts.read(cmd, knowledge.Subsystem, "read.nodes", func(ctx context.Context, st *store.Store) error {
				var err error
				nodes, err = knowledge.Nodes(ctx, st, status)
				return err
			})
			if err != nil {
				return err
			}
			if nodes == nil {
				nodes = []knowledge.Node{}
			}
			return opts.formatter(cmd).Success(nodes, func(w io.Writer) {
				if len(nodes) == 0 {
					fmt.Fprintln(w, "No nodes.")
					return
				}
				for _, n := range nodes {
					fmt.Fprintf(w, "%-12s %-10s %-9s %s\n", n.ID, n.Status, n.Kind, n.Title)
				}
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only nodes with this status")

	return cmd
}

func newKnowledgeShowCommand(opts *KnowledgeOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show a node and its edges",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var view NodeView
			err := opts.read(cmd, knowledge.Subsystem, "read.node", func(ctx context.Context, st *store.Store) error {
				var err error
				if view.Node, err = knowledge.GetNode(ctx, st, args[0]); err != nil {
					return err
				}
				view.Edges, err = knowledge.Edges(ctx, st, args[0])
				return err
			})
			if err != nil {
				return err
			}
			if view.Edges == nil {
				view.Edges = []knowledge.Edge{}
			}
			return opts.formatter(cmd).Success(view, func(w io.Writer) {
				n := view.Node
				fmt.Fprintf(w, "%s: %s\n", n.ID, n.Title)
				fmt.Fprintf(w, "  kind:       %s\n", n.Kind)
				fmt.Fprintf(w, "  status:     %s\n", n.Status)
				fmt.Fprintf(w, "  provenance: %s\n", n.Provenance)
				if n.MergeKey != "" {
					fmt.Fprintf(w, "  merge_key:  %s\n", n.MergeKey)
				}
				if n.SupersedesID != "" {
					fmt.Fprintf(w, "  supersedes: %s\n", n.SupersedesID)
				}
				for _, e := range view.Edges {
					fmt.Fprintf(w, "  edge: %s -[%s]-> %s\n", e.From, e.Type, e.To)
				}
				if n.Content != "" {
					fmt.Fprintf(w, "\n%s\n", n.Content)
				}
			})
		},
	}
}
