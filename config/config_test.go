package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"camstream/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1920, cfg.Camera.Width)
	assert.Equal(t, 1080, cfg.Camera.Height)
	assert.Equal(t, 3, cfg.Camera.Buffers)
	assert.Equal(t, 8_000_000, cfg.Encoder.Bitrate)
	assert.True(t, cfg.Encoder.PSRAM)
	assert.Equal(t, models.LinkTypeEthernet, cfg.Transport.Type)
	assert.Equal(t, 8554, cfg.Transport.Port)
	assert.Equal(t, "/stream", cfg.Transport.Path)
	assert.Equal(t, "esp32-p4", cfg.Transport.Hostname)
	assert.True(t, cfg.Transport.IPv6)
	assert.Equal(t, 4, cfg.Transport.QueueCapacity)
	assert.Equal(t, 10*time.Millisecond, cfg.Transport.EnqueueTimeout)
	assert.Equal(t, time.Second, cfg.Pipeline.AcquireTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Link.BackoffInitial)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
camera:
  width: 1280
  height: 720
  buffers: 4
transport:
  port: 9554
  enqueue_timeout: 25ms
  wait_for_keyframe: true
link:
  backoff_max: 10s
`), 0o644))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("STREAM_PORT", "7554")
	t.Setenv("ENCODER_PSRAM", "false")
	t.Setenv("LINK_BACKOFF_JITTER", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, 720, cfg.Camera.Height)
	assert.Equal(t, 4, cfg.Camera.Buffers)
	assert.Equal(t, 30, cfg.Camera.FPS, "unset keys keep their defaults")
	assert.Equal(t, 7554, cfg.Transport.Port, "environment wins over the file")
	assert.Equal(t, 25*time.Millisecond, cfg.Transport.EnqueueTimeout)
	assert.True(t, cfg.Transport.WaitForKeyframe)
	assert.False(t, cfg.Encoder.PSRAM)
	assert.Equal(t, 10*time.Second, cfg.Link.BackoffMax)
	assert.Equal(t, 0.25, cfg.Link.BackoffJitter)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestMalformedEnvKeepsDefault(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("CAMERA_BUFFERS", "many")
	t.Setenv("ENQUEUE_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Camera.Buffers)
	assert.Equal(t, 10*time.Millisecond, cfg.Transport.EnqueueTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"odd width", func(c *Config) { c.Camera.Width = 1919 }},
		{"no buffers", func(c *Config) { c.Camera.Buffers = 0 }},
		{"bad pattern", func(c *Config) { c.Camera.Pattern = "plaid" }},
		{"zero bitrate", func(c *Config) { c.Encoder.Bitrate = 0 }},
		{"wifi without ssid", func(c *Config) { c.Transport.Type = models.LinkTypeWiFi }},
		{"unknown transport", func(c *Config) { c.Transport.Type = "lte" }},
		{"port out of range", func(c *Config) { c.Transport.Port = 70000 }},
		{"empty queue", func(c *Config) { c.Transport.QueueCapacity = 0 }},
		{"backoff max below initial", func(c *Config) { c.Link.BackoffMax = time.Millisecond }},
		{"jitter above one", func(c *Config) { c.Link.BackoffJitter = 1.5 }},
		{"zero acquire timeout", func(c *Config) { c.Pipeline.AcquireTimeout = 0 }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWiFiWithSSIDIsValid(t *testing.T) {
	cfg := Default()
	cfg.Transport.Type = models.LinkTypeWiFi
	cfg.Transport.WiFiSSID = "studio"
	assert.NoError(t, cfg.Validate())
}
