package obsmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineMetricsRegistersAllCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics("duckclient_test", reg)

	m.UpgradesStartedTotal.WithLabelValues("PatchUpgrade").Inc()
	m.DownloadBytesTotal.Add(1024)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDefaultIsASingleton(t *testing.T) {
	a := Default()
	b := Default()
	assert.Same(t, a, b)
}
