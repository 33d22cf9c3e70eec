package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryCollectorsAreIndependentlyUsable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.ActiveRequestSubs.Inc()
	m.FramesRead.Inc()
	m.FramesRead.Inc()
	m.Warnings.Inc()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestHandlerIsNotNil(t *testing.T) {
	m := NewRegistry(prometheus.NewRegistry())
	require.NotNil(t, m.Handler())
}
