// ABOUTME: Tests for the Prometheus instrumentation helpers
// ABOUTME: Validates registration reuse and nil-receiver safety

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.ObserveTurn("websocket", StatusOK, 120*time.Millisecond)
	m.IncTurnFailure("generate")
	m.IncFragmentRelayed()
	m.IncFragmentRelayed()
	m.IncActiveStreams()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.turnFailures.WithLabelValues("generate")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.fragmentsSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.streamsActive))

	m.DecActiveStreams()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.streamsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["parley_gateway_turn_duration_seconds"])
	assert.True(t, names["parley_gateway_turn_failures_total"])
	assert.True(t, names["parley_gateway_stream_fragments_total"])
	assert.True(t, names["parley_gateway_streams_active"])
}

func TestMustNew_RepeatedConstructionReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.IncTurnFailure("lock")
	second.IncTurnFailure("lock")

	// Both instances feed the same registered counter
	assert.Equal(t, float64(2), testutil.ToFloat64(first.turnFailures.WithLabelValues("lock")))
}

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.ObserveTurn("http", StatusFailed, time.Second)
	m.IncTurnFailure("append_user")
	m.IncFragmentRelayed()
	m.IncActiveStreams()
	m.DecActiveStreams()
}
