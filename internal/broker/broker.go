package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/keel/internal/audit"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/logging"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/telemetry"
)

// Opener opens the backing store for a store id. The broker closes the
// returned store when the transaction ends.
type Opener func(ctx context.Context, storeID string) (*store.Store, error)

// Request describes one transaction.
type Request struct {
	StoreID   string
	Actor     string
	IntentRef string
	Operation string
	// ReadOnly marks operations that never mutate. They are still gated
	// and audited but get no automatic intent reference.
	ReadOnly bool
}

// Options holds optional collaborators. Zero values are safe.
type Options struct {
	Gate    Gate
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// Broker mediates all store access.
type Broker struct {
	gate    Gate
	open    Opener
	audit   *audit.Log
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// New creates a Broker. The gate defaults to a GlobalGate.
func New(auditLog *audit.Log, open Opener, opts Options) *Broker {
	b := &Broker{
		gate:    opts.Gate,
		open:    open,
		audit:   auditLog,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if b.gate == nil {
		b.gate = NewGlobalGate()
	}
	if b.tracer == nil {
		b.tracer = telemetry.NoopTracer()
	}
	return b
}

// AuditLog returns the log the broker appends to.
func (b *Broker) AuditLog() *audit.Log {
	return b.audit
}

// Run is WithTransaction for bodies without a result.
func (b *Broker) Run(ctx context.Context, req Request, body func(ctx context.Context, s *store.Store) error) error {
	_, err := WithTransaction(ctx, b, req, func(ctx context.Context, s *store.Store) (struct{}, error) {
		return struct{}{}, body(ctx, s)
	})
	return err
}

// WithTransaction runs body with exclusive access to req.StoreID and
// appends one audit record describing the attempt. If the audit record
// cannot be written the error is E_IO even when body succeeded.
func WithTransaction[T any](ctx context.Context, b *Broker, req Request, body func(ctx context.Context, s *store.Store) (T, error)) (T, error) {
	req.IntentRef = resolveIntent(req)

	ctx, span := b.tracer.Start(ctx, "broker.transaction", trace.WithAttributes(
		attribute.String("keel.store_id", req.StoreID),
		attribute.String("keel.operation", req.Operation),
		attribute.String("keel.actor", req.Actor),
	))
	defer span.End()

	var zero T
	if verr := validateRequest(req); verr != nil {
		return zero, b.finish(span, req, 0, verr)
	}

	waitStart := time.Now()
	release, gerr := b.gate.Acquire(ctx, req.StoreID)
	if b.metrics != nil {
		b.metrics.GateWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}
	if gerr != nil {
		return zero, b.finish(span, req, 0, errclass.ErrIO.WithMessage("acquire gate").Wrap(gerr))
	}
	defer release()

	start := time.Now()
	s, oerr := b.open(ctx, req.StoreID)
	if oerr != nil {
		return zero, b.finish(span, req, time.Since(start), store.Classify("open store "+req.StoreID, oerr))
	}

	result, panicked, berr := runBody(ctx, s, body)
	if cerr := s.Close(); cerr != nil && berr == nil && panicked == nil {
		berr = store.Classify("close store "+req.StoreID, cerr)
	}
	elapsed := time.Since(start)

	if panicked != nil {
		// The audit record must exist before the panic unwinds further.
		// finish already logs an audit write failure.
		_ = b.finish(span, req, elapsed, fmt.Errorf("panic: %v", panicked))
		panic(panicked)
	}

	// The body's result is returned even on failure so callers can report
	// partial outcomes such as a drift report.
	return result, b.finish(span, req, elapsed, berr)
}

func runBody[T any](ctx context.Context, s *store.Store, body func(ctx context.Context, s *store.Store) (T, error)) (result T, panicked any, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	result, err = body(ctx, s)
	return result, nil, err
}

// finish writes the audit record and records telemetry. It returns the
// error the caller should see: the body error, or an E_IO if the audit
// record could not be written.
func (b *Broker) finish(span trace.Span, req Request, elapsed time.Duration, bodyErr error) error {
	outcome := audit.OutcomeSuccess
	if bodyErr != nil {
		outcome = audit.OutcomeError
	}

	rec, aerr := b.audit.Append(audit.Entry{
		Actor:     req.Actor,
		IntentRef: req.IntentRef,
		Operation: req.Operation,
		StoreID:   req.StoreID,
		Outcome:   outcome,
		Err:       bodyErr,
		Duration:  elapsed,
	})

	if b.metrics != nil {
		b.metrics.Transactions.WithLabelValues(req.StoreID, req.Operation, string(outcome)).Inc()
		b.metrics.TransactionSeconds.WithLabelValues(req.StoreID).Observe(elapsed.Seconds())
	}

	if aerr != nil {
		b.logger.Error("write audit record",
			"store_id", req.StoreID,
			"op", req.Operation,
			"error", aerr,
		)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, "audit write failed")
		return errclass.ErrIO.WithMessage("write audit record").With("op", req.Operation).Wrap(aerr)
	}

	span.SetAttributes(attribute.Int64("keel.audit_seq", rec.Seq))
	if bodyErr != nil {
		b.logger.Warn("transaction failed",
			"store_id", req.StoreID,
			"op", req.Operation,
			"seq", rec.Seq,
			"error", bodyErr,
		)
		span.RecordError(bodyErr)
		span.SetStatus(codes.Error, bodyErr.Error())
		return bodyErr
	}

	b.logger.Debug("transaction committed",
		"store_id", req.StoreID,
		"op", req.Operation,
		"seq", rec.Seq,
		"duration", elapsed,
	)
	return nil
}

func validateRequest(req Request) error {
	var missing []string
	if req.StoreID == "" {
		missing = append(missing, "store_id")
	}
	if req.Actor == "" {
		missing = append(missing, "actor")
	}
	if req.Operation == "" {
		missing = append(missing, "operation")
	}
	if len(missing) > 0 {
		return errclass.ErrValidation.WithMessagef("transaction request missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// resolveIntent returns the caller's intent, or an automatic one for
// mutating operations that did not name an intent.
func resolveIntent(req Request) string {
	if req.IntentRef != "" || isReadOnly(req) || req.Operation == "" {
		return req.IntentRef
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("intent:auto:%s:%s", req.Operation, id)
}

func isReadOnly(req Request) bool {
	return req.ReadOnly || strings.HasPrefix(req.Operation, "read.")
}
