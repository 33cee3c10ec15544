package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/clock"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/fsutil"
)

// Log appends records to a JSON-lines file.
//
// Thread-safety: Append is safe for concurrent use. Goroutines are
// serialized by a mutex and processes by an exclusive file lock.
type Log struct {
	path  string
	mu    sync.Mutex
	clock clock.Clock
	newID func() (string, error)
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(l *Log) { l.newID = fn }
}

// NewLog creates a Log writing to path. The file is created on first append.
func NewLog(path string, opts ...Option) *Log {
	l := &Log{
		path:  path,
		clock: clock.System{},
		newID: newEventID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one record for e and fsyncs before returning. Any failure
// is an E_IO: a mutation without a trace is worse than a failed command.
func (l *Log) Append(e Entry) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := fsutil.OpenLocked(l.path)
	if err != nil {
		return Record{}, errclass.ErrIO.WithMessage("open audit log").Wrap(err)
	}
	defer f.Close()

	prev, err := lastRecord(f)
	if err != nil {
		return Record{}, err
	}

	eventID, err := l.newID()
	if err != nil {
		return Record{}, errclass.ErrIO.WithMessage("generate audit event id").Wrap(err)
	}

	rec := Record{
		SchemaVersion: SchemaVersion,
		Seq:           1,
		Timestamp:     l.clock.Now().UTC().Format(time.RFC3339Nano),
		EventID:       eventID,
		Actor:         e.Actor,
		IntentRef:     e.IntentRef,
		Operation:     e.Operation,
		StoreID:       e.StoreID,
		Outcome:       e.Outcome,
		DurationMS:    e.Duration.Milliseconds(),
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	if prev != nil {
		rec.Seq = prev.Seq + 1
		rec.PrevHash = prev.RecordHash
	}

	if rec.RecordHash, err = computeHash(&rec); err != nil {
		return Record{}, errclass.ErrIO.Wrap(err)
	}
	line, err := rec.line()
	if err != nil {
		return Record{}, errclass.ErrIO.WithMessage("marshal audit record").Wrap(err)
	}
	if err := f.AppendLine(line); err != nil {
		return Record{}, errclass.ErrIO.WithMessage("append audit record").Wrap(err)
	}
	return rec, nil
}

// lastRecord returns the final record, or nil for an empty log. A tail that
// does not parse is corruption: appending after it would hide the damage.
func lastRecord(f *fsutil.LockedFile) (*Record, error) {
	tail, err := f.LastLine()
	if err != nil {
		return nil, errclass.ErrIO.WithMessage("read audit tail").Wrap(err)
	}
	if tail == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(tail, &rec); err != nil {
		return nil, errclass.ErrCorruption.WithMessage("audit log tail does not parse").Wrap(err)
	}
	return &rec, nil
}

func newEventID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("uuid v7: %w", err)
	}
	return id.String(), nil
}
