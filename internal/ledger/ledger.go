package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/clock"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/fsutil"
	"github.com/roach88/keel/internal/ir"
)

// Ledger appends events to one JSON-lines file.
//
// Thread-safety: Append is safe for concurrent use. Inside a broker
// transaction there is only ever one appender; the file lock covers
// writers that bypass the broker.
type Ledger struct {
	path  string
	mu    sync.Mutex
	clock clock.Clock
	newID func() (string, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source used by Prepare.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithIDGenerator overrides event id generation in Prepare.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(l *Ledger) { l.newID = fn }
}

// New returns a Ledger for path. Nothing is created until the first Append.
func New(path string, opts ...Option) *Ledger {
	l := &Ledger{
		path:  path,
		clock: clock.System{},
		newID: newEventID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Prepare fills in the fields the caller does not choose (event id,
// timestamp, status, schema version) and seals the event with its content
// hash. Callers prepare before applying so that ids derived from the event
// are known to the projection.
func (l *Ledger) Prepare(e Event) (Event, error) {
	if e.EventID == "" {
		id, err := l.newID()
		if err != nil {
			return Event{}, errclass.ErrIO.WithMessage("generate event id").Wrap(err)
		}
		e.EventID = id
	}
	if e.Timestamp == "" {
		e.Timestamp = l.clock.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
	if e.Payload == nil {
		e.Payload = ir.Object{}
	}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	hash, err := e.ComputeHash()
	if err != nil {
		return Event{}, errclass.ErrValidation.WithMessage("hash event").With("event_id", e.EventID).Wrap(err)
	}
	e.ContentHash = hash

	// The projection must see exactly what replay will read back, so the
	// prepared event is the decoded ledger line (NFC strings included).
	line, err := e.MarshalLine()
	if err != nil {
		return Event{}, errclass.ErrValidation.WithMessage("marshal event").With("event_id", e.EventID).Wrap(err)
	}
	sealed, err := decodeLine(line)
	if err != nil {
		return Event{}, errclass.ErrValidation.WithMessage("event does not survive its ledger encoding").With("event_id", e.EventID).Wrap(err)
	}
	return sealed, nil
}

// Append writes a prepared event and fsyncs. The content hash is checked
// again so a caller cannot append an event it mutated after Prepare.
func (l *Ledger) Append(e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	want, err := e.ComputeHash()
	if err != nil {
		return errclass.ErrValidation.WithMessage("hash event").With("event_id", e.EventID).Wrap(err)
	}
	if e.ContentHash != want {
		return errclass.ErrValidation.
			WithMessage("event content_hash does not match its contents").
			With("event_id", e.EventID).
			With("expected", want).
			With("got", e.ContentHash)
	}
	line, err := e.MarshalLine()
	if err != nil {
		return errclass.ErrValidation.WithMessage("marshal event").With("event_id", e.EventID).Wrap(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := fsutil.OpenLocked(l.path)
	if err != nil {
		return errclass.ErrIO.WithMessage("open ledger").Wrap(err)
	}
	defer f.Close()

	if err := f.AppendLine(line); err != nil {
		return errclass.ErrIO.WithMessage("append ledger event").With("event_id", e.EventID).Wrap(err)
	}
	return nil
}

func newEventID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("uuid v7: %w", err)
	}
	return id.String(), nil
}
