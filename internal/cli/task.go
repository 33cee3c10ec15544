package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/projection/tasks"
	"github.com/roach88/keel/internal/store"
)

// TaskOptions holds flags for the task commands.
type TaskOptions struct {
	EventOptions
}

// NewTaskCommand creates the task command and its subcommands.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TaskOptions{EventOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Record and query tasks",
		Long: `Record task events and query the tasks projection.

Every mutation is validated against the task vocabulary, applied to the
projection and appended to tasks.events.jsonl in one broker transaction.

Exit codes:
  0 - Event recorded / query answered
  1 - Rejected (duplicate id, dependency cycle, disallowed transition)
  2 - Command error (unknown task, I/O failure)`,
	}
	opts.addFlags(cmd)

	cmd.AddCommand(newTaskAddCommand(opts))
	cmd.AddCommand(newTaskEditCommand(opts))
	cmd.AddCommand(newTaskClaimCommand(opts))
	cmd.AddCommand(newTaskEventCommand(opts, "release", "task.release", "Clear a task's assignee"))
	cmd.AddCommand(newTaskEventCommand(opts, "done", "task.done", "Mark a task done"))
	cmd.AddCommand(newTaskEventCommand(opts, "reopen", "task.reopen", "Reopen a done or archived task"))
	cmd.AddCommand(newTaskEventCommand(opts, "archive", "task.archive", "Archive a task"))
	cmd.AddCommand(newTaskDependCommand(opts, "depend", "task.depend", "Make a task depend on another"))
	cmd.AddCommand(newTaskDependCommand(opts, "undepend", "task.undepend", "Remove a dependency"))
	cmd.AddCommand(newTaskCommentCommand(opts))
	cmd.AddCommand(newTaskListCommand(opts))
	cmd.AddCommand(newTaskShowCommand(opts))

	return cmd
}

func newTaskAddCommand(opts *TaskOptions) *cobra.Command {
	var tags, dependsOn []string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a task",
		Example: `  keel task add T1 --title "Write release notes"
  keel task add T2 --title "Ship" --priority high --depends-on T1 --tag release`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ir.Object{}
			changedStrings(cmd, payload, map[string]string{
				"title":       "title",
				"description": "description",
				"priority":    "priority",
			})
			if len(tags) > 0 {
				payload["tags"] = stringArray(tags)
			}
			if len(dependsOn) > 0 {
				payload["depends_on"] = stringArray(dependsOn)
			}
			return opts.record(cmd, tasks.Subsystem, "task.add", args[0], payload)
		},
	}

	cmd.Flags().String("title", "", "task title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().String("description", "", "longer description")
	cmd.Flags().String("priority", "medium", "low|medium|high|critical")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task this one depends on (repeatable)")

	return cmd
}

func newTaskEditCommand(opts *TaskOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "edit <id>",
		Short:         "Change a task's title, description or priority",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ir.Object{}
			changedStrings(cmd, payload, map[string]string{
				"title":       "title",
				"description": "description",
				"priority":    "priority",
			})
			if len(payload) == 0 {
				return NewExitError(ExitCommandError, "nothing to edit: set --title, --description or --priority")
			}
			return opts.record(cmd, tasks.Subsystem, "task.edit", args[0], payload)
		},
	}

	cmd.Flags().String("title", "", "new title")
	cmd.Flags().String("description", "", "new description")
	cmd.Flags().String("priority", "", "new priority")

	return cmd
}

func newTaskClaimCommand(opts *TaskOptions) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:           "claim <id>",
		Short:         "Assign a task (to the current actor by default)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee := to
			if assignee == "" {
				assignee = opts.Actor
			}
			return opts.record(cmd, tasks.Subsystem, "task.claim", args[0], ir.Object{"assigned_to": ir.String(assignee)})
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "assignee (default --actor)")

	return cmd
}

// newTaskEventCommand builds a command for an event with an empty payload.
func newTaskEventCommand(opts *TaskOptions, use, eventType, short string) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.record(cmd, tasks.Subsystem, eventType, args[0], ir.Object{})
		},
	}
}

func newTaskDependCommand(opts *TaskOptions, use, eventType, short string) *cobra.Command {
	var on string

	cmd := &cobra.Command{
		Use:           use + " <id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.record(cmd, tasks.Subsystem, eventType, args[0], ir.Object{"on": ir.String(on)})
		},
	}

	cmd.Flags().StringVar(&on, "on", "", "the other task (required)")
	_ = cmd.MarkFlagRequired("on")

	return cmd
}

func newTaskCommentCommand(opts *TaskOptions) *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:           "comment <id>",
		Short:         "Comment on a task",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.record(cmd, tasks.Subsystem, "task.comment", args[0], ir.Object{"body": ir.String(body)})
		},
	}

	cmd.Flags().StringVar(&body, "body", "", "comment text (required)")
	_ = cmd.MarkFlagRequired("body")

	return cmd
}

func newTaskListCommand(opts *TaskOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List tasks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []tasks.Task
			err := opts.read(cmd, tasks.Subsystem, "read.tasks", func(ctx context.Context, st *store.Store) error {
				var err error
				list, err = tasks.List(ctx, st, status)
				return err
			})
			if err != nil {
				return err
			}
			if list == nil {
				list = []tasks.Task{}
			}
			return opts.formatter(cmd).Success(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No tasks.")
					return
				}
				for _, t := range list {
					fmt.Fprintf(w, "%-12s %-8s %-8s %s", t.ID, t.Status, t.Priority, t.Title)
					if len(t.DependsOn) > 0 {
						fmt.Fprintf(w, " (depends on %s)", strings.Join(t.DependsOn, ", "))
					}
					fmt.Fprintln(w)
				}
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status (open|done|archived)")

	return cmd
}

func newTaskShowCommand(opts *TaskOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one task",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var t tasks.Task
			err := opts.read(cmd, tasks.Subsystem, "read.task", func(ctx context.Context, st *store.Store) error {
				var err error
				t, err = tasks.Get(ctx, st, args[0])
				return err
			})
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(t, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", t.ID, t.Title)
				fmt.Fprintf(w, "  status:   %s\n", t.Status)
				fmt.Fprintf(w, "  priority: %s\n", t.Priority)
				if t.AssignedTo != "" {
					fmt.Fprintf(w, "  assigned: %s\n", t.AssignedTo)
				}
				if t.Tags != "" {
					fmt.Fprintf(w, "  tags:     %s\n", t.Tags)
				}
				if len(t.DependsOn) > 0 {
					fmt.Fprintf(w, "  depends:  %s\n", strings.Join(t.DependsOn, ", "))
				}
				if t.Description != "" {
					fmt.Fprintf(w, "\n%s\n", t.Description)
				}
			})
		},
	}
}
