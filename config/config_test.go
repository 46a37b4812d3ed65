package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbocsi/deviceio/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadGateway_Defaults(t *testing.T) {
	cfg, err := LoadGateway("")
	require.NoError(t, err)

	assert.Equal(t, "DAE-CALVIN-TEST-4130-001", cfg.ProxyID)
	assert.Equal(t, client.DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, client.DefaultQueueSize, cfg.QueueSize)
	assert.Equal(t, 60*time.Second, cfg.PollTimeout)
	assert.Equal(t, time.Second, cfg.ErrorBackoff)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.StorePath)
}

func TestLoadGateway_FileAndEnv(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
proxy_id: gw-lab
base_url: http://localhost:8080/deviceio
poll_timeout: 30s
queue_size: 4
log:
  level: debug
  format: json
`)
	t.Setenv("DEVICEIO_QUEUE_SIZE", "25")
	t.Setenv("DEVICEIO_LOG_LEVEL", "warn")

	cfg, err := LoadGateway(path)
	require.NoError(t, err)
	assert.Equal(t, "gw-lab", cfg.ProxyID)
	assert.Equal(t, "http://localhost:8080/deviceio", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.PollTimeout)
	assert.Equal(t, 25, cfg.QueueSize, "env overrides the file")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	cc := cfg.ClientConfig(nil)
	assert.Equal(t, "gw-lab", cc.ProxyID)
	assert.Equal(t, 25, cc.QueueSize)
}

func TestLoadGateway_Invalid(t *testing.T) {
	t.Setenv("DEVICEIO_PROXY_ID", " ")
	_, err := LoadGateway("")
	assert.Error(t, err)

	_, err = LoadGateway(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadGateway_BadLogLevel(t *testing.T) {
	t.Setenv("DEVICEIO_LOG_LEVEL", "loud")
	_, err := LoadGateway("")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	logger, err = NewLogger(LogConfig{Level: "error"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	_, err = NewLogger(LogConfig{Level: "info", Format: "xml"}, &buf)
	assert.Error(t, err)
}
