package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHoldsEveryMetric(t *testing.T) {
	Events.WithLabelValues("exec")
	Flushes.WithLabelValues("ok")

	n, err := testutil.GatherAndCount(Registry)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 7)
}

func TestGaugeExposition(t *testing.T) {
	TrackedProcesses.Set(3)
	defer TrackedProcesses.Set(0)

	expected := `
# HELP spycy_tracked_processes Live processes in the process table.
# TYPE spycy_tracked_processes gauge
spycy_tracked_processes 3
`
	require.NoError(t, testutil.GatherAndCompare(Registry, strings.NewReader(expected), "spycy_tracked_processes"))
}

func TestHandler(t *testing.T) {
	before := testutil.ToFloat64(SequenceGaps)
	SequenceGaps.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SequenceGaps))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "spycy_sequence_gaps_total")
}
