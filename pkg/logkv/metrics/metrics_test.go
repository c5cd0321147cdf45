package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.Counter.GetValue()
}

func TestRecordOperation(t *testing.T) {
	r := NewRegistry()
	r.RecordOperation("set", nil, time.Millisecond)
	r.RecordOperation("set", nil, time.Millisecond)
	r.RecordOperation("set", errors.New("disk full"), time.Millisecond)

	ok, err := r.OperationsTotal.GetMetricWithLabelValues("set", "success")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, ok))

	failed, err := r.OperationsTotal.GetMetricWithLabelValues("set", "error")
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, failed))
}

func TestRecordCompaction(t *testing.T) {
	r := NewRegistry()
	r.RecordCompaction(CompactionOutcome{Removed: 2, Merged: 1, DeleteFailures: 1}, nil, time.Second)

	removed, err := r.CompactionChunksTotal.GetMetricWithLabelValues("removed")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, removed))
	assert.Equal(t, 1.0, counterValue(t, r.CleanupFailuresTotal))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordOperation("get", nil, time.Millisecond)
		r.RecordGetScan(1, 2, 0)
		r.RecordCompaction(CompactionOutcome{}, nil, 0)
		r.RecordRecovery("temp_deleted", 1)
		r.SetChunks(1, 1, 10, 0.5)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.RecordGetScan(3, 4, 1)
	r.SetChunks(2, 5, 1024, 0.25)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "logkv_filter_skips_total 4"))
	assert.True(t, strings.Contains(text, `logkv_chunks{kind="compact"} 5`))
	assert.True(t, strings.Contains(text, "logkv_payload_bytes 1024"))
}
