package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/keel/internal/audit"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/telemetry"
)

// sqliteOpener opens a real database per store id under dir.
func sqliteOpener(dir string) Opener {
	return func(ctx context.Context, storeID string) (*store.Store, error) {
		return store.Open(filepath.Join(dir, storeID+".db"), store.Options{})
	}
}

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	dir := t.TempDir()
	return New(audit.NewLog(filepath.Join(dir, "broker.events.jsonl")), sqliteOpener(dir), opts)
}

func readAudit(t *testing.T, b *Broker) []audit.Record {
	t.Helper()
	records, err := audit.Read(b.AuditLog().Path())
	require.NoError(t, err)
	return records
}

func TestWithTransaction_SuccessIsAudited(t *testing.T) {
	b := newTestBroker(t, Options{})

	got, err := WithTransaction(context.Background(), b,
		Request{StoreID: "tasks", Actor: "agent-a", IntentRef: "intent-7", Operation: "task.add"},
		func(ctx context.Context, s *store.Store) (string, error) {
			return "T1", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "T1", got)

	records := readAudit(t, b)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, "tasks", records[0].StoreID)
	assert.Equal(t, "agent-a", records[0].Actor)
	assert.Equal(t, "intent-7", records[0].IntentRef)
	assert.Equal(t, "task.add", records[0].Operation)
}

func TestWithTransaction_BodyErrorIsAudited(t *testing.T) {
	b := newTestBroker(t, Options{})
	cause := errclass.ErrValidation.WithMessage("cycle detected")

	err := b.Run(context.Background(),
		Request{StoreID: "tasks", Actor: "a", Operation: "task.depend"},
		func(ctx context.Context, s *store.Store) error { return cause })
	require.ErrorIs(t, err, errclass.ErrValidation)

	records := readAudit(t, b)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeError, records[0].Outcome)
	assert.Contains(t, records[0].Error, "cycle detected")
}

func TestWithTransaction_AutoIntentForMutations(t *testing.T) {
	b := newTestBroker(t, Options{})
	ctx := context.Background()
	noop := func(ctx context.Context, s *store.Store) error { return nil }

	require.NoError(t, b.Run(ctx, Request{StoreID: "tasks", Actor: "a", Operation: "task.add"}, noop))
	require.NoError(t, b.Run(ctx, Request{StoreID: "tasks", Actor: "a", Operation: "read.list"}, noop))
	require.NoError(t, b.Run(ctx, Request{StoreID: "tasks", Actor: "a", Operation: "validate", ReadOnly: true}, noop))

	records := readAudit(t, b)
	require.Len(t, records, 3)
	assert.True(t, strings.HasPrefix(records[0].IntentRef, "intent:auto:task.add:"), records[0].IntentRef)
	assert.Empty(t, records[1].IntentRef)
	assert.Empty(t, records[2].IntentRef)
}

func TestWithTransaction_InvalidRequestIsAudited(t *testing.T) {
	b := newTestBroker(t, Options{})
	called := false

	err := b.Run(context.Background(), Request{StoreID: "tasks", Operation: "task.add"},
		func(ctx context.Context, s *store.Store) error {
			called = true
			return nil
		})
	require.ErrorIs(t, err, errclass.ErrValidation)
	assert.Contains(t, err.Error(), "actor")
	assert.False(t, called)
	assert.Len(t, readAudit(t, b), 1)
}

func TestWithTransaction_OpenFailureIsAudited(t *testing.T) {
	dir := t.TempDir()
	failing := func(ctx context.Context, storeID string) (*store.Store, error) {
		return nil, errors.New("unable to open database file")
	}
	b := New(audit.NewLog(filepath.Join(dir, "audit.jsonl")), failing, Options{})

	err := b.Run(context.Background(), Request{StoreID: "tasks", Actor: "a", Operation: "task.add"},
		func(ctx context.Context, s *store.Store) error { return nil })
	require.ErrorIs(t, err, errclass.ErrIO)

	records := readAudit(t, b)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeError, records[0].Outcome)
}

func TestWithTransaction_PanicIsAuditedAndReleasesGate(t *testing.T) {
	b := newTestBroker(t, Options{})
	ctx := context.Background()
	req := Request{StoreID: "tasks", Actor: "a", Operation: "task.add"}

	require.PanicsWithValue(t, "boom", func() {
		_ = b.Run(ctx, req, func(ctx context.Context, s *store.Store) error { panic("boom") })
	})

	// The gate must have been released by the panicking transaction.
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, b.Run(ctx, req, func(ctx context.Context, s *store.Store) error { return nil }))

	records := readAudit(t, b)
	require.Len(t, records, 2)
	assert.Equal(t, audit.OutcomeError, records[0].Outcome)
	assert.Equal(t, "panic: boom", records[0].Error)
	assert.Equal(t, audit.OutcomeSuccess, records[1].Outcome)
}

func TestWithTransaction_AuditFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	auditDir := filepath.Join(dir, "audit-is-a-dir")
	require.NoError(t, os.Mkdir(auditDir, 0o755))

	b := New(audit.NewLog(auditDir), sqliteOpener(dir), Options{})
	ran := false

	err := b.Run(context.Background(), Request{StoreID: "tasks", Actor: "a", Operation: "task.add"},
		func(ctx context.Context, s *store.Store) error {
			ran = true
			return nil
		})
	assert.True(t, ran)
	require.ErrorIs(t, err, errclass.ErrIO)
	assert.Contains(t, err.Error(), "write audit record")
}

func TestWithTransaction_GateCancelledIsAudited(t *testing.T) {
	gate := NewGlobalGate()
	release, err := gate.Acquire(context.Background(), "tasks")
	require.NoError(t, err)
	defer release()

	b := newTestBroker(t, Options{Gate: gate})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = b.Run(ctx, Request{StoreID: "tasks", Actor: "a", Operation: "task.add"},
		func(ctx context.Context, s *store.Store) error { return nil })
	require.ErrorIs(t, err, errclass.ErrIO)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	records := readAudit(t, b)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeError, records[0].Outcome)
}

// Each body writes a marker before and after a delay. With the global gate
// no other transaction's markers may appear between a pair, even across
// different stores.
func TestWithTransaction_ConcurrentCallsSerialize(t *testing.T) {
	b := newTestBroker(t, Options{})
	const n = 12

	var (
		mu      sync.Mutex
		markers []string
	)
	mark := func(s string) {
		mu.Lock()
		markers = append(markers, s)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := range n {
		g.Go(func() error {
			storeID := "tasks"
			if i%2 == 1 {
				storeID = "knowledge"
			}
			return b.Run(ctx, Request{StoreID: storeID, Actor: fmt.Sprintf("agent-%d", i), Operation: "op"},
				func(ctx context.Context, s *store.Store) error {
					mark(fmt.Sprintf("before-%d", i))
					time.Sleep(2 * time.Millisecond)
					mark(fmt.Sprintf("after-%d", i))
					return nil
				})
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, markers, 2*n)
	for i := 0; i < len(markers); i += 2 {
		id := strings.TrimPrefix(markers[i], "before-")
		assert.Equal(t, "after-"+id, markers[i+1], "interleaved markers at %d: %v", i, markers)
	}

	records := readAudit(t, b)
	require.Len(t, records, n)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq)
	}
	_, err := audit.Verify(b.AuditLog().Path())
	require.NoError(t, err)
}

func TestPerStoreGate_SerializesSameStoreOnly(t *testing.T) {
	gate := NewPerStoreGate()
	ctx := context.Background()

	releaseA, err := gate.Acquire(ctx, "tasks")
	require.NoError(t, err)

	// A different store is not blocked.
	releaseB, err := gate.Acquire(ctx, "knowledge")
	require.NoError(t, err)
	releaseB()

	// The same store is blocked until released.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = gate.Acquire(short, "tasks")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	releaseA()
	releaseA() // idempotent
	again, err := gate.Acquire(ctx, "tasks")
	require.NoError(t, err)
	again()
}

func TestWithTransaction_CommitFailureWithSQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").WithArgs("T1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))
	mock.ExpectClose()

	dir := t.TempDir()
	metrics := telemetry.NewMetrics()
	b := New(audit.NewLog(filepath.Join(dir, "audit.jsonl")),
		func(ctx context.Context, storeID string) (*store.Store, error) { return store.New(db, "mock"), nil },
		Options{Metrics: metrics})

	err = b.Run(context.Background(), Request{StoreID: "tasks", Actor: "a", Operation: "task.add"},
		func(ctx context.Context, s *store.Store) error {
			tx, err := s.BeginTx(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if _, err := tx.ExecContext(ctx, "INSERT INTO tasks (id) VALUES (?)", "T1"); err != nil {
				return store.Classify("insert", err)
			}
			return store.Classify("commit", tx.Commit())
		})
	require.ErrorIs(t, err, errclass.ErrIO)
	assert.False(t, errclass.IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())

	records := readAudit(t, b)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "disk I/O error")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transactions.WithLabelValues("tasks", "task.add", "error")))
}

func TestWithTransaction_BusyIsRetryableWithSQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectBegin().WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	mock.ExpectClose()

	dir := t.TempDir()
	b := New(audit.NewLog(filepath.Join(dir, "audit.jsonl")),
		func(ctx context.Context, storeID string) (*store.Store, error) { return store.New(db, "mock"), nil },
		Options{})

	err = b.Run(context.Background(), Request{StoreID: "tasks", Actor: "a", Operation: "task.add"},
		func(ctx context.Context, s *store.Store) error {
			_, err := s.BeginTx(ctx)
			return err
		})
	require.ErrorIs(t, err, errclass.ErrIO)
	assert.True(t, errclass.IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
