package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics_Idempotent(t *testing.T) {
	require.NotPanics(t, func() {
		InitMetrics()
		InitMetrics()
	})
}

func TestSetFleetSize(t *testing.T) {
	SetFleetSize(7)
	require.Equal(t, float64(7), testutil.ToFloat64(FleetSize))
	SetFleetSize(0)
	require.Equal(t, float64(0), testutil.ToFloat64(FleetSize))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(JobsCompletedTotal.WithLabelValues("allow"))
	JobsCompletedTotal.WithLabelValues("allow").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(JobsCompletedTotal.WithLabelValues("allow")))
}
