package eventsource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/keel/internal/broker"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/fsutil"
	"github.com/roach88/keel/internal/ledger"
	"github.com/roach88/keel/internal/logging"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/telemetry"
)

// Options holds optional collaborators for a Source.
type Options struct {
	Store   store.Options
	Ledger  []ledger.Option
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// Source is one event-sourced subsystem rooted in a state directory.
type Source struct {
	root      string
	proj      Projection
	vocab     *Vocabulary
	broker    *broker.Broker
	ledger    *ledger.Ledger
	storeOpts store.Options
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// New compiles p's vocabulary and binds it to the broker. The broker's
// opener must serve p.Subsystem(); see Opener.
func New(root string, b *broker.Broker, p Projection, opts Options) (*Source, error) {
	vocab, err := CompileVocabulary(p.Vocabulary())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Subsystem(), err)
	}
	s := &Source{
		root:      root,
		proj:      p,
		vocab:     vocab,
		broker:    b,
		ledger:    ledger.New(LedgerPath(root, p.Subsystem()), opts.Ledger...),
		storeOpts: opts.Store,
		logger:    logging.OrDiscard(opts.Logger),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	if s.tracer == nil {
		s.tracer = telemetry.NoopTracer()
	}
	return s, nil
}

// Subsystem returns the projection's subsystem name.
func (s *Source) Subsystem() string { return s.proj.Subsystem() }

// Vocabulary returns the compiled event vocabulary.
func (s *Source) Vocabulary() *Vocabulary { return s.vocab }

// LedgerPath returns the ledger file.
func (s *Source) LedgerPath() string { return s.ledger.Path() }

// DBPath returns the live projection database.
func (s *Source) DBPath() string { return DBPath(s.root, s.proj.Subsystem()) }

// Recorded is the outcome of Record.
type Recorded struct {
	Event  ledger.Event `json:"event" yaml:"event"`
	Result Result       `json:"result" yaml:"result"`
}

// Record validates e, applies it and appends it to the ledger inside one
// broker transaction. The projection commit happens after the append, so
// the ledger never lags the projection. If nothing could be applied, for
// example on a merge-key conflict or a cycle, neither the ledger nor the
// projection changes.
//
// Pending events are validated and appended but not applied.
func (s *Source) Record(ctx context.Context, actor, intentRef string, e ledger.Event) (Recorded, error) {
	req := broker.Request{
		StoreID:   s.proj.Subsystem(),
		Actor:     actor,
		IntentRef: intentRef,
		Operation: e.Type,
	}
	e.Actor = actor

	return broker.WithTransaction(ctx, s.broker, req, func(ctx context.Context, st *store.Store) (Recorded, error) {
		if err := s.vocab.Validate(e); err != nil {
			return Recorded{}, err
		}
		prepared, err := s.ledger.Prepare(e)
		if err != nil {
			return Recorded{}, err
		}

		tx, err := st.BeginTx(ctx)
		if err != nil {
			return Recorded{}, err
		}
		defer tx.Rollback()

		var res Result
		if prepared.Applicable() {
			if res, err = s.proj.Apply(ctx, tx, prepared); err != nil {
				return Recorded{}, err
			}
		}
		if err := s.ledger.Append(prepared); err != nil {
			return Recorded{}, err
		}
		if err := tx.Commit(); err != nil {
			// The ledger already holds the event; validate reports the
			// gap and rebuild closes it.
			s.logger.Error("projection commit failed after ledger append",
				"subsystem", s.proj.Subsystem(),
				"event_id", prepared.EventID,
				"error", err,
			)
			return Recorded{}, store.Classify("commit "+prepared.Type, err)
		}

		s.logger.Debug("event recorded",
			"subsystem", s.proj.Subsystem(),
			"event_id", prepared.EventID,
			"event_type", prepared.Type,
		)
		return Recorded{Event: prepared, Result: res}, nil
	})
}

// Read runs fn against the live projection under the broker, audited as
// the read-only operation op.
func (s *Source) Read(ctx context.Context, actor, op string, fn func(ctx context.Context, st *store.Store) error) error {
	return s.broker.Run(ctx, broker.Request{
		StoreID:   s.proj.Subsystem(),
		Actor:     actor,
		Operation: op,
		ReadOnly:  true,
	}, fn)
}

// RebuildReport summarizes a rebuild.
type RebuildReport struct {
	Subsystem   string      `json:"subsystem" yaml:"subsystem"`
	Stats       ReplayStats `json:"stats" yaml:"stats"`
	Fingerprint string      `json:"fingerprint" yaml:"fingerprint"`
}

// Rebuild replays the ledger into a new generation next to the live
// database and renames it into place. A subsystem with no ledger yet
// rebuilds to an empty projection.
//
// The broker gate only serializes callers in this process. A Record from
// another process that began its transaction on the old file before the
// rename commits its ledger line but not its row in the new generation.
// Validate reports that as drift and a second Rebuild closes it.
func (s *Source) Rebuild(ctx context.Context, actor string) (RebuildReport, error) {
	sub := s.proj.Subsystem()
	req := broker.Request{StoreID: sub, Actor: actor, Operation: sub + ".rebuild"}

	report, err := broker.WithTransaction(ctx, s.broker, req, func(ctx context.Context, live *store.Store) (RebuildReport, error) {
		ctx, span := s.tracer.Start(ctx, "eventsource.rebuild", trace.WithAttributes(
			attribute.String("keel.subsystem", sub),
		))
		defer span.End()

		livePath := s.DBPath()
		tmpPath := filepath.Join(filepath.Dir(livePath), "."+filepath.Base(livePath)+".tmp")

		opts := s.storeOpts
		opts.JournalMode = "DELETE"
		next, stats, err := replayInto(ctx, s.proj, s.vocab, s.LedgerPath(), tmpPath, opts, true)
		if err != nil {
			_ = fsutil.RemoveIfExists(tmpPath)
			return RebuildReport{}, err
		}
		fp, err := Fingerprint(ctx, next, s.proj)
		if cerr := next.Close(); err == nil && cerr != nil {
			err = store.Classify("close new generation", cerr)
		}
		if err != nil {
			_ = fsutil.RemoveIfExists(tmpPath)
			return RebuildReport{}, err
		}
		s.countReplay(stats)

		if err := live.Checkpoint(ctx); err != nil {
			_ = fsutil.RemoveIfExists(tmpPath)
			return RebuildReport{}, err
		}
		if err := live.Close(); err != nil {
			_ = fsutil.RemoveIfExists(tmpPath)
			return RebuildReport{}, store.Classify("close live projection", err)
		}

		if err := fsutil.RenameAndSync(tmpPath, livePath); err != nil {
			return RebuildReport{}, errclass.ErrIO.WithMessage("swap projection").Wrap(err)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			if err := fsutil.RemoveIfExists(livePath + suffix); err != nil {
				return RebuildReport{}, errclass.ErrIO.WithMessage("remove stale " + suffix).Wrap(err)
			}
		}
		if err := fsutil.FsyncDir(filepath.Dir(livePath)); err != nil {
			return RebuildReport{}, errclass.ErrIO.WithMessage("sync state dir").Wrap(err)
		}

		s.logger.Info("projection rebuilt",
			"subsystem", sub,
			"events", stats.Events,
			"applied", stats.Applied,
			"skipped_pending", stats.Skipped,
		)
		return RebuildReport{Subsystem: sub, Stats: stats, Fingerprint: fp}, nil
	})

	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.metrics.Rebuilds.WithLabelValues(sub, outcome).Inc()
	}
	return report, err
}

// DriftReport is the result of Validate.
type DriftReport struct {
	Subsystem string      `json:"subsystem" yaml:"subsystem"`
	Live      string      `json:"live_fingerprint" yaml:"live_fingerprint"`
	Replayed  string      `json:"replay_fingerprint" yaml:"replay_fingerprint"`
	Stats     ReplayStats `json:"stats" yaml:"stats"`
}

// InSync reports whether the fingerprints match.
func (r DriftReport) InSync() bool {
	return r.Live == r.Replayed
}

// Validate replays the ledger into a throwaway database and compares its
// fingerprint with the live projection's. Drift is E_VALIDATION carrying
// both fingerprints; the report is returned either way.
func (s *Source) Validate(ctx context.Context, actor string) (DriftReport, error) {
	sub := s.proj.Subsystem()
	req := broker.Request{StoreID: sub, Actor: actor, Operation: sub + ".validate", ReadOnly: true}

	report, err := broker.WithTransaction(ctx, s.broker, req, func(ctx context.Context, live *store.Store) (DriftReport, error) {
		ctx, span := s.tracer.Start(ctx, "eventsource.validate", trace.WithAttributes(
			attribute.String("keel.subsystem", sub),
		))
		defer span.End()

		report := DriftReport{Subsystem: sub}
		var err error
		if report.Live, err = Fingerprint(ctx, live, s.proj); err != nil {
			return report, err
		}

		dir, err := os.MkdirTemp(filepath.Dir(s.DBPath()), ".keel-validate-*")
		if err != nil {
			return report, errclass.ErrIO.WithMessage("create scratch dir").Wrap(err)
		}
		defer os.RemoveAll(dir)

		scratch, stats, err := replayInto(ctx, s.proj, s.vocab, s.LedgerPath(), filepath.Join(dir, sub+".db"), s.storeOpts, true)
		if err != nil {
			return report, err
		}
		defer scratch.Close()
		report.Stats = stats

		if report.Replayed, err = Fingerprint(ctx, scratch, s.proj); err != nil {
			return report, err
		}
		if !report.InSync() {
			return report, errclass.ErrValidation.
				WithMessage("projection drift: live state does not match ledger replay").
				With("subsystem", sub).
				With("live", report.Live).
				With("replay", report.Replayed)
		}
		return report, nil
	})

	if s.metrics != nil {
		result := "match"
		switch {
		case err != nil && report.Live != "" && report.Replayed != "" && !report.InSync():
			result = "drift"
		case err != nil:
			result = "error"
		}
		s.metrics.DriftChecks.WithLabelValues(sub, result).Inc()
	}
	return report, err
}

// Replay rebuilds the projection into dbPath without touching the live
// database.
func (s *Source) Replay(ctx context.Context, dbPath string) (ReplayStats, error) {
	ctx, span := s.tracer.Start(ctx, "eventsource.replay", trace.WithAttributes(
		attribute.String("keel.subsystem", s.proj.Subsystem()),
	))
	defer span.End()

	stats, err := Replay(ctx, s.proj, s.vocab, s.LedgerPath(), dbPath, s.storeOpts)
	if err == nil {
		s.countReplay(stats)
	}
	return stats, err
}

func (s *Source) countReplay(stats ReplayStats) {
	if s.metrics == nil {
		return
	}
	s.metrics.LedgerEvents.WithLabelValues(s.proj.Subsystem(), "applied").Add(float64(stats.Applied))
	s.metrics.LedgerEvents.WithLabelValues(s.proj.Subsystem(), "skipped_pending").Add(float64(stats.Skipped))
}
