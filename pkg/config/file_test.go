package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, sdo.DefaultServerConfig(), cfg.SDOServerConfig())
	client := cfg.SDOClientConfig()
	assert.Equal(t, sdo.DefaultClientConfig(), client)
}

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(`
node_id: 34
interface: virtual
channel: test
eds: ./node.eds
log:
  level: debug
  format: json
server:
  buffer_size: 1024
client:
  timeout_ms: 300
  block_enabled: false
`))
	require.Nil(t, err)
	assert.EqualValues(t, 34, cfg.NodeId)
	assert.Equal(t, "virtual", cfg.Interface)
	assert.Equal(t, "test", cfg.Channel)
	assert.Equal(t, "./node.eds", cfg.EDS)
	assert.EqualValues(t, 1024, cfg.SDOServerConfig().BufferSize)
	// Missing keys keep their defaults
	assert.EqualValues(t, sdo.DefaultServerTimeout, cfg.SDOServerConfig().TimeoutMs)
	client := cfg.SDOClientConfig()
	assert.EqualValues(t, 300, client.TimeoutMs)
	assert.False(t, client.BlockEnabled)
	assert.EqualValues(t, 127, client.BlockMaxSize)
	assert.EqualValues(t, DefaultProcessPeriodMs, client.ProcessPeriodMs)
}

func TestValidate(t *testing.T) {
	for _, raw := range []string{
		"node_id: 0",
		"node_id: 200",
		"interface: ''",
		"process_period_ms: 0",
		"server: {buffer_size: 6}",
		"client: {block_timeout_ratio: 1.5}",
		"client: {block_max_size: 128}",
		"log: {level: verbose}",
		"log: {format: xml}",
	} {
		_, err := Load([]byte(raw))
		assert.Error(t, err, raw)
	}
	_, err := Load([]byte("node_id: [1"))
	assert.ErrorContains(t, err, "parse YAML")
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "not found")

	cfg := Default()
	cfg.NodeId = 0x22
	cfg.Client.BlockMaxSize = 16
	require.Nil(t, cfg.WriteFile(path))
	raw, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Contains(t, string(raw), "node_id: 34")

	loaded, err := LoadFile(path)
	require.Nil(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyLogging(t *testing.T) {
	level := log.GetLevel()
	defer log.SetLevel(level)
	defer log.SetFormatter(&log.TextFormatter{})

	cfg := Default()
	cfg.Log = LogSection{Level: "warn", Format: "json"}
	require.Nil(t, cfg.ApplyLogging())
	assert.Equal(t, log.WarnLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	cfg.Log.Level = "nope"
	assert.Error(t, cfg.ApplyLogging())
}
