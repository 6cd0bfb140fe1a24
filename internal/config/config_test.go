package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 60, c.Rate.IPPerMin.Limit)
	require.Equal(t, time.Minute, c.Rate.IPPerMin.WindowDur())
	require.Equal(t, 10, c.Rate.AuthIP.Limit)
	require.Equal(t, 10000, c.Rate.Global.Limit)

	// floor/ceiling derivados del límite base
	require.Equal(t, 15, c.Rate.UserPerMin.Floor)
	require.Equal(t, 120, c.Rate.UserPerMin.Ceiling)

	require.Equal(t, 15*time.Minute, Dur(c.Monitor.CorrelationWindow, 0))
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeeper.yaml")
	yml := `
server:
  addr: ":9090"
rate:
  ip_per_min:
    limit: 120
    window: 30s
token:
  issuer: edge
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("TOKEN_ISSUER", "edge-env")
	t.Setenv("RATE_AUTH_IP_PER_MIN", "5")
	t.Setenv("TOKEN_SIGNING_SEED", "abc")

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", c.Server.Addr)
	require.Equal(t, 120, c.Rate.IPPerMin.Limit)
	require.Equal(t, 30*time.Second, c.Rate.IPPerMin.WindowDur())

	// env pisa YAML
	require.Equal(t, "edge-env", c.Token.Issuer)
	require.Equal(t, 5, c.Rate.AuthIP.Limit)
	require.Equal(t, "abc", c.Token.SigningSeed)
}

func TestDur_Fallback(t *testing.T) {
	t.Parallel()
	require.Equal(t, 5*time.Second, Dur("garbage", 5*time.Second))
	require.Equal(t, 90*time.Second, Dur("90s", 0))
}
