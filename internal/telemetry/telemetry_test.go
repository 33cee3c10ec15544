package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.Transactions.WithLabelValues("tasks", "task.add", "success").Inc()
	m.Transactions.WithLabelValues("tasks", "task.add", "success").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transactions.WithLabelValues("tasks", "task.add", "success")))

	path := filepath.Join(t.TempDir(), "keel.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `keel_broker_transactions_total{operation="task.add",outcome="success",store_id="tasks"} 2`)
}

func TestNewTracing_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracing("stdout", &buf, "test")
	require.NoError(t, err)

	_, span := tr.Tracer.Start(context.Background(), "broker.transaction")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "broker.transaction")
}

func TestNewTracing_None(t *testing.T) {
	tr, err := NewTracing("none", nil, "test")
	require.NoError(t, err)
	_, span := tr.Tracer.Start(context.Background(), "noop")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestNewTracing_Unknown(t *testing.T) {
	_, err := NewTracing("zipkin", nil, "test")
	require.Error(t, err)
}
