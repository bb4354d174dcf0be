package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FillsStorageDefaults(t *testing.T) {
	path := writeConfig(t, `
id: n1
bind_addr: 127.0.0.1:9001
peers:
  - id: n2
    address: 127.0.0.1:9002
`)
	n, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", n.Storage.Backend)
	assert.Equal(t, "n1.db", n.Storage.Path)
	assert.Equal(t, map[types.NodeID]string{"n2": "127.0.0.1:9002"}, n.PeerAddresses())
}

func TestLoad_MemoryBackendLeavesPathEmpty(t *testing.T) {
	path := writeConfig(t, `
id: n1
bind_addr: 127.0.0.1:9001
storage:
  backend: memory
`)
	n, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", n.Storage.Backend)
	assert.Empty(t, n.Storage.Path)
}

func TestLoad_RequiresIDAndBindAddr(t *testing.T) {
	_, err := Load(writeConfig(t, `bind_addr: 127.0.0.1:9001`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `id: n1`))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestProcessConfig_ZeroTimingLeavesDurationsZero(t *testing.T) {
	n := &Node{ID: "n1", BindAddr: "a"}
	cfg := n.ProcessConfig()
	assert.Zero(t, cfg.ReplicationTick)
	assert.Zero(t, cfg.CallTimeout)
}
