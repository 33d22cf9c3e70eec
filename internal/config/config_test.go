package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7497", v.Address)
	require.Equal(t, 0, v.ClientID)
	require.Equal(t, 20, v.MaxReconnectAttempts)
	require.Equal(t, 30*time.Second, v.HandshakeTimeout)
	require.Equal(t, "info", v.LogLevel)
	require.True(t, v.MetricsEnabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("IBGW_ADDRESS", "10.0.0.5:4002")
	t.Setenv("IBGW_CLIENT_ID", "42")

	v, err := Load()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:4002", v.Address)
	require.Equal(t, 42, v.ClientID)
}

func TestLoadEnvPrefixIsolatesUnrelatedVars(t *testing.T) {
	require.NoError(t, os.Unsetenv("ADDRESS"))
	t.Setenv("ADDRESS", "should-not-be-picked-up:1")

	v, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7497", v.Address)
}
