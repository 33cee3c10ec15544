package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/eventsource"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/store"
)

// EventOptions holds the flags shared by every mutating subsystem command.
type EventOptions struct {
	*RootOptions
	Pending bool
}

func (o *EventOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&o.Pending, "pending", false, "record the event as pending intent without applying it")
}

// record sends one event through the subsystem's event source and prints
// what it resolved to.
func (o *EventOptions) record(cmd *cobra.Command, subsystem, eventType, subject string, payload ir.Object) error {
	env, err := o.environment(cmd)
	if err != nil {
		return err
	}
	src, err := env.Source(subsystem)
	if err != nil {
		return err
	}

	e := ledger.Event{Type: eventType, SubjectID: subject, Payload: payload}
	if o.Pending {
		e.Status = ledger.StatusPending
	}
	rec, err := src.Record(cmd.Context(), o.Actor, o.Intent, e)
	if err != nil {
		return err
	}

	return o.formatter(cmd).Success(rec, func(w io.Writer) {
		printRecorded(w, rec)
	})
}

func printRecorded(w io.Writer, rec eventsource.Recorded) {
	if !rec.Event.Applicable() {
		fmt.Fprintf(w, "✓ %s %s recorded as pending\n", rec.Event.Type, rec.Event.SubjectID)
		fmt.Fprintf(w, "  event: %s\n", rec.Event.EventID)
		return
	}
	subject := rec.Result.SubjectID
	if subject == "" {
		subject = rec.Event.SubjectID
	}
	fmt.Fprintf(w, "✓ %s %s", rec.Result.Action, subject)
	if subject != rec.Event.SubjectID {
		fmt.Fprintf(w, " (requested %s)", rec.Event.SubjectID)
	}
	fmt.Fprintln(w)
	for _, a := range rec.Result.Affected {
		fmt.Fprintf(w, "  affected: %s\n", a)
	}
	fmt.Fprintf(w, "  event: %s\n", rec.Event.EventID)
}

// read runs fn against the live projection of subsystem.
func (o *RootOptions) read(cmd *cobra.Command, subsystem, op string, fn func(ctx context.Context, st *store.Store) error) error {
	env, err := o.environment(cmd)
	if err != nil {
		return err
	}
	src, err := env.Source(subsystem)
	if err != nil {
		return err
	}
	return src.Read(cmd.Context(), o.Actor, op, fn)
}

// changedStrings copies every string flag the user set into obj, keyed by
// the payload field it maps to. Unset flags stay absent so the vocabulary
// sees optional fields as missing rather than empty.
func changedStrings(cmd *cobra.Command, obj ir.Object, fields map[string]string) {
	for flag, key := range fields {
		if !cmd.Flags().Changed(flag) {
			continue
		}
		v, _ := cmd.Flags().GetString(flag)
		obj[key] = ir.String(v)
	}
}

func stringArray(values []string) ir.Array {
	arr := make(ir.Array, len(values))
	for i, v := range values {
		arr[i] = ir.String(v)
	}
	return arr
}
