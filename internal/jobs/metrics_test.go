package jobmetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string][]*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string][]*dto.Metric{}
	for _, f := range families {
		out[f.GetName()] = f.GetMetric()
	}
	return out
}

func TestTrackerStatuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	fixed := time.Unix(1_714_550_400, 0)

	for _, finish := range []func(*Tracker){
		func(tr *Tracker) { _ = tr.End(nil) },
		func(tr *Tracker) { tr.Partial() },
		func(tr *Tracker) { tr.Skip() },
		func(tr *Tracker) { require.Error(t, tr.End(errors.New("boom"))) },
	} {
		tr := m.Track("mirror:sync")
		tr.now = func() time.Time { return fixed }
		finish(tr)
	}

	metrics := gather(t, reg)
	byStatus := map[string]float64{}
	for _, metric := range metrics["finmirror_jobs_total"] {
		for _, l := range metric.GetLabel() {
			if l.GetName() == "status" {
				byStatus[l.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{StatusSuccess: 1, StatusPartial: 1, StatusSkipped: 1, StatusFailure: 1}, byStatus)
	require.Len(t, metrics["finmirror_jobs_failures_total"], 1)
	assert.Equal(t, float64(1), metrics["finmirror_jobs_failures_total"][0].GetCounter().GetValue())
	require.Len(t, metrics["finmirror_job_last_success_timestamp_seconds"], 1)
	assert.Equal(t, float64(fixed.Unix()), metrics["finmirror_job_last_success_timestamp_seconds"][0].GetGauge().GetValue())
}

func TestNilMetricsTrackerIsNoop(t *testing.T) {
	var m *Metrics
	tr := m.Track("journal:regenerate")
	err := errors.New("boom")
	assert.Same(t, err, tr.End(err))
	tr.Skip()
	tr.Partial()
}
