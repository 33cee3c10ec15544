package statecommit

import (
	"context"
	"log/slog"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/fsutil"
	"github.com/roach88/keel/internal/logging"
	"github.com/roach88/keel/internal/telemetry"
)

// Source answers the revision queries a commitment needs. *Git is the
// production implementation.
type Source interface {
	ResolveRevision(ctx context.Context, rev string) (string, error)
	PathSet(ctx context.Context, base, head string) ([]string, error)
	EntryFor(ctx context.Context, head, path string) (Entry, error)
}

// Options configures an Engine.
type Options struct {
	// Workers bounds concurrent EntryFor calls. Zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
}

// Engine computes commitments from a Source.
type Engine struct {
	src     Source
	workers int
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// NewEngine returns an engine reading from src.
func NewEngine(src Source, opts Options) *Engine {
	e := &Engine{
		src:     src,
		workers: opts.Workers,
		logger:  logging.OrDiscard(opts.Logger),
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	if e.tracer == nil {
		e.tracer = telemetry.NoopTracer()
	}
	return e
}

// Input names the revision range to commit to.
type Input struct {
	Base string
	// Head defaults to HEAD.
	Head string
	// IgnorePolicyHash defaults to DefaultIgnorePolicyHash.
	IgnorePolicyHash string
}

// Commitment is the result of Prove.
type Commitment struct {
	Base             string  `json:"base_revision" yaml:"base_revision"`
	Head             string  `json:"head_revision" yaml:"head_revision"`
	IgnorePolicyHash string  `json:"ignore_policy_hash" yaml:"ignore_policy_hash"`
	ScopeRecord      []byte  `json:"-" yaml:"-"`
	ScopeRecordHash  string  `json:"scope_record_hash" yaml:"scope_record_hash"`
	Root             string  `json:"state_commit_root" yaml:"state_commit_root"`
	Entries          []Entry `json:"entries" yaml:"entries"`
}

// Prove resolves both revisions, reads every changed path at head and
// builds the scope record and root. Any query failure aborts the proof.
func (e *Engine) Prove(ctx context.Context, in Input) (c *Commitment, err error) {
	ctx, span := e.tracer.Start(ctx, "statecommit.prove", trace.WithAttributes(
		attribute.String("keel.base", in.Base),
		attribute.String("keel.head", in.Head),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if in.Base == "" {
		return nil, errclass.ErrValidation.WithMessage("base revision is required")
	}
	if in.Head == "" {
		in.Head = "HEAD"
	}
	if in.IgnorePolicyHash == "" {
		in.IgnorePolicyHash = DefaultIgnorePolicyHash
	}

	base, err := e.src.ResolveRevision(ctx, in.Base)
	if err != nil {
		return nil, err
	}
	head, err := e.src.ResolveRevision(ctx, in.Head)
	if err != nil {
		return nil, err
	}
	paths, err := e.src.PathSet(ctx, base, head)
	if err != nil {
		return nil, err
	}
	entries, err := e.Entries(ctx, head, paths)
	if err != nil {
		return nil, err
	}

	record, err := BuildScopeRecord(entries, base, head, in.IgnorePolicyHash)
	if err != nil {
		return nil, err
	}
	tree, err := NewTree(entries)
	if err != nil {
		return nil, err
	}

	c = &Commitment{
		Base:             base,
		Head:             head,
		IgnorePolicyHash: in.IgnorePolicyHash,
		ScopeRecord:      record,
		ScopeRecordHash:  ScopeRecordHash(record).Hex(),
		Root:             tree.Root(),
		Entries:          tree.Entries(),
	}
	if e.metrics != nil {
		e.metrics.CommitmentEntries.Observe(float64(len(entries)))
	}
	span.SetAttributes(attribute.Int("keel.entries", len(entries)), attribute.String("keel.root", c.Root))
	e.logger.Debug("state commit computed", "base", base, "head", head, "entries", len(entries), "root", c.Root)
	return c, nil
}

// Entries resolves every path at head with bounded parallelism. The result
// is in input order; the first failure cancels the rest.
func (e *Engine) Entries(ctx context.Context, head string, paths []string) ([]Entry, error) {
	out := make([]Entry, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, p := range paths {
		g.Go(func() error {
			entry, err := e.src.EntryFor(ctx, head, p)
			if err != nil {
				return err
			}
			out[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteScopeRecord atomically writes record to path.
func WriteScopeRecord(path string, record []byte) error {
	if err := fsutil.AtomicWrite(path, record, 0o644); err != nil {
		return errclass.ErrIO.WithMessagef("write scope record %s", path).With("path", path).Wrap(err)
	}
	return nil
}
