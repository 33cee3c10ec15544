package eventsource

import (
	"fmt"
	"slices"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/ledger"
)

// Vocabulary is a compiled set of event schemas.
//
// The CUE source must define a top-level struct named events mapping each
// event type to a closed schema with a payload field and, where the event
// addresses a row, a subject_id field:
//
//	events: "task.done": close({
//		subject_id: string & !=""
//		payload: close({})
//	})
//
// Thread-safety: Validate is safe for concurrent use.
type Vocabulary struct {
	mu     sync.Mutex
	ctx    *cue.Context
	events cue.Value
	types  []string
}

// CompileVocabulary compiles src and indexes its event types.
func CompileVocabulary(src string) (*Vocabulary, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("vocabulary.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile vocabulary: %w", formatCUEError(err))
	}

	events := v.LookupPath(cue.ParsePath("events"))
	if !events.Exists() {
		return nil, fmt.Errorf("compile vocabulary: missing events struct")
	}
	iter, err := events.Fields()
	if err != nil {
		return nil, fmt.Errorf("compile vocabulary: %w", formatCUEError(err))
	}

	voc := &Vocabulary{ctx: ctx, events: events}
	for iter.Next() {
		voc.types = append(voc.types, iter.Selector().Unquoted())
	}
	if len(voc.types) == 0 {
		return nil, fmt.Errorf("compile vocabulary: no event types declared")
	}
	slices.Sort(voc.types)
	return voc, nil
}

// Types returns the declared event types in sorted order.
func (v *Vocabulary) Types() []string {
	return slices.Clone(v.types)
}

// Validate checks e's subject and payload against the schema for its type.
// Unknown types and schema violations are E_VALIDATION.
func (v *Vocabulary) Validate(e ledger.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	schema := v.events.LookupPath(cue.MakePath(cue.Str(e.Type)))
	if !schema.Exists() {
		return errclass.ErrValidation.
			WithMessagef("unknown event type %q", e.Type).
			With("event_type", e.Type)
	}

	doc := map[string]any{"payload": ir.ToGo(e.Payload)}
	if e.Payload == nil {
		doc["payload"] = map[string]any{}
	}
	if e.SubjectID != "" {
		doc["subject_id"] = e.SubjectID
	}

	unified := schema.Unify(v.ctx.Encode(doc))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return errclass.ErrValidation.
			WithMessagef("%s does not match its schema", e.Type).
			With("event_type", e.Type).
			Wrap(formatCUEError(err))
	}
	return nil
}

// formatCUEError keeps the first CUE error, which carries the offending
// path, and drops the rest.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	return errs[0]
}
