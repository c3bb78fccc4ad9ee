package metrics

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/pmart"
)

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.RecordFind(time.Microsecond, true, nil)
	p.RecordFind(time.Microsecond, false, nil)
	p.RecordInsert(time.Microsecond, fmt.Errorf("insert: %w", pmart.ErrConflict))
	p.RecordScan(time.Millisecond, 12, nil)

	assert.Equal(t, 4, testutil.CollectAndCount(p.opLatency))
	for _, series := range [][2]string{
		{"find", "hit"},
		{"find", "miss"},
		{"insert", "error"},
		{"scan", "hit"},
	} {
		h := p.opLatency.WithLabelValues(series[0], series[1]).(prometheus.Histogram)
		m := &dto.Metric{}
		require.NoError(t, h.Write(m))
		assert.EqualValues(t, 1, m.GetHistogram().GetSampleCount(), "%s/%s", series[0], series[1])
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(p.conflicts))
	assert.Equal(t, 12.0, testutil.ToFloat64(p.scanned))

	p.RecordRecovery(pmart.RecoveryReport{Inner: 4, Leaves: 40, Duration: 2 * time.Second}, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.recoveryDuration))
	assert.Equal(t, 40.0, testutil.ToFloat64(p.recoveredNodes.WithLabelValues("leaf")))
	assert.Zero(t, testutil.ToFloat64(p.recoveryFailures))

	p.RecordRecovery(pmart.RecoveryReport{}, pmart.ErrCorruptedRecovery)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.recoveryFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.recoveryDuration), "a failed pass keeps the last report")
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)
	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}

func TestWithTree(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	tree, err := pmart.Open(filepath.Join(t.TempDir(), "tree.pmart"),
		pmart.WithBlockSize(16*1024),
		pmart.WithMaxBlocks(64),
		pmart.WithMaxWorkers(2),
		pmart.WithScratchSize(256),
		pmart.WithDurability(pmart.DurabilityNone),
		pmart.WithMetrics(p))
	require.NoError(t, err)
	defer tree.Close()

	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	defer w.Close()

	for i := uint64(0); i < 10; i++ {
		_, err := w.Insert(binary.BigEndian.AppendUint64(nil, i), []byte("v"))
		require.NoError(t, err)
	}
	_, _, err = w.Find(binary.BigEndian.AppendUint64(nil, 3))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var samples uint64
	for _, f := range families {
		if f.GetName() != "pmart_operation_latency_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			samples += m.GetHistogram().GetSampleCount()
		}
	}
	assert.EqualValues(t, 11, samples)
}
