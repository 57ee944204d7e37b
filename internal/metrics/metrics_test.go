package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReportsTotal.Inc()
	m.FindingsTotal.WithLabelValues("high_cpu").Add(2)
	m.CommandsCreated.WithLabelValues("BLOCK_DOMAIN", "fanout").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FindingsTotal.WithLabelValues("high_cpu")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["fleetwatch_reports_total"])
	assert.True(t, names["fleetwatch_commands_created_total"])
}

func TestNew_IndependentRegistries(t *testing.T) {
	// registering twice on separate registries must not panic
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
