package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
network:
  insecure: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 3, cfg.Consensus.ValidatorCount)
	assert.Equal(t, uint64(24), cfg.Consensus.WindowHours)
	assert.False(t, cfg.Consensus.TrustWeighted)
	assert.Equal(t, time.Hour, cfg.Consensus.ReconcileWindow)
	assert.Equal(t, "0.0.0.0:9440", cfg.Network.ListenAddr)
	assert.Equal(t, 20, cfg.RateLimit.BurstRequests)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.BurstWindow)
	assert.Equal(t, 100, cfg.RateLimit.SustainedRequests)
	assert.Equal(t, "state.json", cfg.Storage.StatePath)
	assert.Equal(t, "@daily", cfg.Scheduler.TrustDecayCron)
}

func TestLoad_OverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-b
consensus:
  validator_count: 5
  trust_weighted: true
network:
  insecure: true
  listen_addr: 127.0.0.1:7000
rate_limit:
  burst_requests: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Consensus.ValidatorCount)
	assert.True(t, cfg.Consensus.TrustWeighted)
	assert.Equal(t, "127.0.0.1:7000", cfg.Network.ListenAddr)
	assert.Equal(t, 50, cfg.RateLimit.BurstRequests)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AUDIT_NODE_ID", "node-env")
	t.Setenv("AUDIT_NETWORK_INSECURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "node-env", cfg.Node.ID)
}

func TestValidate(t *testing.T) {
	base := func() string {
		return `
node:
  id: node-a
network:
  insecure: true
`
	}

	_, err := Load(writeConfig(t, base()))
	require.NoError(t, err)

	// Missing node ID
	_, err = Load(writeConfig(t, `
network:
  insecure: true
`))
	assert.ErrorContains(t, err, "node.id is required")

	// TLS material required when not insecure
	_, err = Load(writeConfig(t, `
node:
  id: node-a
`))
	assert.ErrorContains(t, err, "TLS material is required")

	// Bad validator count
	_, err = Load(writeConfig(t, `
node:
  id: node-a
consensus:
  validator_count: 0
network:
  insecure: true
`))
	assert.ErrorContains(t, err, "validator_count")
}
