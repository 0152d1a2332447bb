package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wolfscale.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsTunableDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: node-1
data_dir: /tmp/wolfscale
proxy_listen_addr: "0.0.0.0:3306"
backend_addr: "127.0.0.1:3307"
backend_dsn: "user:pass@tcp(127.0.0.1:3307)/wolfscale"
transport_listen_addr: "0.0.0.0:7000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-1", cfg.NodeID)

	hb, err := cfg.Tunables.HeartbeatIntervalDuration()
	require.NoError(t, err)
	require.Greater(t, hb.Milliseconds(), int64(0))
	require.Equal(t, 100, cfg.Tunables.BatchSize)
	require.Equal(t, uint64(1000), cfg.Tunables.MaxAcceptableLag)
}

func TestLoadRejectsMissingNodeID(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/wolfscale
proxy_listen_addr: "0.0.0.0:3306"
backend_addr: "127.0.0.1:3307"
backend_dsn: "user:pass@tcp(127.0.0.1:3307)/wolfscale"
transport_listen_addr: "0.0.0.0:7000"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsIncompletePeerEntry(t *testing.T) {
	path := writeConfig(t, `
node_id: node-1
data_dir: /tmp/wolfscale
proxy_listen_addr: "0.0.0.0:3306"
backend_addr: "127.0.0.1:3307"
backend_dsn: "user:pass@tcp(127.0.0.1:3307)/wolfscale"
transport_listen_addr: "0.0.0.0:7000"
peers:
  - id: node-2
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestOverridesApplyOnlyNonEmptyFields(t *testing.T) {
	cfg := &Config{NodeID: "node-1", DataDir: "/data"}
	overrides := Overrides{DataDir: "/override"}
	overrides.Apply(cfg)
	require.Equal(t, "node-1", cfg.NodeID)
	require.Equal(t, "/override", cfg.DataDir)
}
