package eventsource

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/fsutil"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/store"
)

// ReplayStats counts what a replay saw.
type ReplayStats struct {
	Events  int `json:"events" yaml:"events"`
	Applied int `json:"applied" yaml:"applied"`
	Skipped int `json:"skipped_pending" yaml:"skipped_pending"`
}

// Replay builds a fresh projection database at dbPath from the ledger at
// ledgerPath. Any existing file at dbPath is replaced. Pending events are
// skipped. A missing ledger is E_NOT_FOUND; a damaged one is E_CORRUPTION.
func Replay(ctx context.Context, p Projection, vocab *Vocabulary, ledgerPath, dbPath string, opts store.Options) (ReplayStats, error) {
	s, stats, err := replayInto(ctx, p, vocab, ledgerPath, dbPath, opts, false)
	if err != nil {
		return stats, err
	}
	if err := s.Close(); err != nil {
		return stats, store.Classify("close replay", err)
	}
	return stats, nil
}

// replayInto creates dbPath from scratch and folds the ledger into it in
// a single transaction. The returned store is open; the caller closes it.
// With allowMissing a missing ledger yields an empty projection.
func replayInto(ctx context.Context, p Projection, vocab *Vocabulary, ledgerPath, dbPath string, opts store.Options, allowMissing bool) (*store.Store, ReplayStats, error) {
	var stats ReplayStats

	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := fsutil.RemoveIfExists(dbPath + suffix); err != nil {
			return nil, stats, errclass.ErrIO.WithMessage("clear replay target").Wrap(err)
		}
	}

	opts.Migrations = p.Migrations()
	s, err := store.Open(dbPath, opts)
	if err != nil {
		return nil, stats, err
	}

	fail := func(err error) (*store.Store, ReplayStats, error) {
		s.Close()
		return nil, stats, err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()

	err = ledger.Each(ledgerPath, func(line int, e ledger.Event) error {
		stats.Events++
		if !e.Applicable() {
			stats.Skipped++
			return nil
		}
		if err := applyOne(ctx, tx, p, vocab, e); err != nil {
			return annotate(err, line, e)
		}
		stats.Applied++
		return nil
	})
	if err != nil && !(allowMissing && errors.Is(err, errclass.ErrNotFound) && stats.Events == 0) {
		return fail(err)
	}

	if err := tx.Commit(); err != nil {
		return fail(store.Classify("commit replay", err))
	}
	return s, stats, nil
}

func applyOne(ctx context.Context, tx *sql.Tx, p Projection, vocab *Vocabulary, e ledger.Event) error {
	if vocab != nil {
		if err := vocab.Validate(e); err != nil {
			return err
		}
	}
	_, err := p.Apply(ctx, tx, e)
	return err
}

// annotate attaches the ledger position to a replay failure.
func annotate(err error, line int, e ledger.Event) error {
	var ce *errclass.Error
	if errors.As(err, &ce) {
		return ce.With("line", strconv.Itoa(line)).With("event_id", e.EventID)
	}
	return errclass.ErrValidation.
		WithMessagef("apply %s", e.Type).
		With("line", strconv.Itoa(line)).
		With("event_id", e.EventID).
		Wrap(err)
}

// Fingerprint is the canonical digest of every projection row.
func Fingerprint(ctx context.Context, s *store.Store, p Projection) (string, error) {
	dump, err := s.Dump(ctx, p.Tables())
	if err != nil {
		return "", err
	}
	return ir.Digest(ir.DomainFingerprint, dump)
}
