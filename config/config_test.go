package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTmpConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	p := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeTmpConfig(t, `
node_name: a
areas:
  - id: area1
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.NodeName)
	assert.Equal(t, 3600*time.Second, cfg.KvStore.KeyTtl())
	assert.Equal(t, time.Millisecond, cfg.KvStore.TtlDecrement())
	assert.Equal(t, []string{"area1"}, cfg.AreaIds())
}

func TestLoadRejectsMissingNodeName(t *testing.T) {
	p := writeTmpConfig(t, `
areas:
  - id: area1
`)
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateAreas(t *testing.T) {
	p := writeTmpConfig(t, `
node_name: a
areas:
  - id: area1
  - id: area1
`)
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadParsesStaticPeersAndListener(t *testing.T) {
	p := writeTmpConfig(t, `
node_name: a
areas:
  - id: area1
    listen_addr: 0.0.0.0
    listen_port: 8701
    peers:
      - node_name: b
        addr: 10.0.0.2
        port: 8701
      - node_name: c
        addr: 10.0.0.3
        port: 8701
        typed: true
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Len(t, cfg.Areas, 1)
	area := cfg.Areas[0]
	assert.Equal(t, "0.0.0.0", area.ListenAddr)
	assert.Equal(t, uint16(8701), area.ListenPort)
	require.Len(t, area.Peers, 2)
	assert.Equal(t, StaticPeerConfig{NodeName: "b", Addr: "10.0.0.2", Port: 8701}, area.Peers[0])
	assert.True(t, area.Peers[1].Typed)
}

func TestLoadRejectsNegativeSupportingRoutes(t *testing.T) {
	p := writeTmpConfig(t, `
node_name: a
areas:
  - id: area1
originated_prefixes:
  - prefix: 10.0.0.0/8
    minimum_supporting_routes: -1
`)
	_, err := Load(p)
	require.Error(t, err)
}
