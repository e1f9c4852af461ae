package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttv3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "eu.airvantage.net", cfg.Broker.URL)
	assert.Equal(t, 1883, cfg.Broker.Port)
	assert.Equal(t, 30, cfg.Broker.KeepAlive)
	assert.Equal(t, 0, cfg.Broker.QoS)
	assert.Equal(t, 5, cfg.Broker.CommandTimeout)
	assert.Equal(t, 10, cfg.Broker.MaxRetries)
	assert.Equal(t, DefaultControlSocket, cfg.Control.Socket)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
device:
  id: "359377060000000"
  secret: "s3cret"
broker:
  url: "tcp://broker.local"
  port: 1884
  qos: 1
spooler:
  enabled: true
  outbound_dir: /var/spool/out
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "359377060000000", cfg.Device.ID)
	assert.Equal(t, "s3cret", cfg.Device.Secret)
	assert.Equal(t, "tcp://broker.local", cfg.Broker.URL)
	assert.Equal(t, 1884, cfg.Broker.Port)
	assert.Equal(t, 1, cfg.Broker.QoS)
	assert.Equal(t, 30, cfg.Broker.KeepAlive, "defaults fill missing fields")
	assert.True(t, cfg.Spooler.Enabled)
	assert.Equal(t, 30, cfg.Spooler.Interval)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/path/config.yaml")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "broker: [unclosed"))
		assert.ErrorContains(t, err, "parsing config file")
	})

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"port", "broker:\n  port: 70000\n", "broker.port"},
		{"qos", "broker:\n  qos: 3\n", "broker.qos"},
		{"keepalive", "broker:\n  keep_alive: -1\n", "broker.keep_alive"},
		{"scheme", "broker:\n  url: https://x\n", "broker.url"},
		{"spooler", "spooler:\n  enabled: true\n", "spooler.outbound_dir"},
		{"log level", "logging:\n  level: loud\n", "logging.level"},
		{"log format", "logging:\n  format: xml\n", "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MQTTV3_DEVICE_ID", "env-device")
	t.Setenv("MQTTV3_SECRET", "env-secret")
	t.Setenv("MQTTV3_BROKER_URL", "env.broker")
	t.Setenv("MQTTV3_BROKER_PORT", "2883")

	cfg, err := Load(writeConfig(t, "device:\n  id: file-device\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-device", cfg.Device.ID)
	assert.Equal(t, "env-secret", cfg.Device.Secret)
	assert.Equal(t, "env.broker", cfg.Broker.URL)
	assert.Equal(t, 2883, cfg.Broker.Port)

	t.Setenv("MQTTV3_BROKER_PORT", "not-a-port")
	_, err = Load(writeConfig(t, ""))
	assert.ErrorContains(t, err, "MQTTV3_BROKER_PORT")
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = LoadOrDefault(writeConfig(t, "broker:\n  qos: 9\n"))
	assert.Error(t, err)
}

func TestApplyBroker(t *testing.T) {
	cfg := Default()

	prev, err := cfg.ApplyBroker("broker.local", 1884, 60, 2)
	require.NoError(t, err)
	assert.Equal(t, Default().Broker, prev)
	assert.Equal(t, "broker.local", cfg.Broker.URL)
	assert.Equal(t, 1884, cfg.Broker.Port)
	assert.Equal(t, 60, cfg.Broker.KeepAlive)
	assert.Equal(t, 2, cfg.Broker.QoS)

	t.Run("unchanged", func(t *testing.T) {
		before := cfg.Broker
		prev, err := cfg.ApplyBroker("", -1, -1, -1)
		require.NoError(t, err)
		assert.Equal(t, before, prev)
		assert.Equal(t, before, cfg.Broker)
	})

	t.Run("invalid value rolls back", func(t *testing.T) {
		before := cfg.Broker
		_, err := cfg.ApplyBroker("other", 0, -1, -1)
		require.Error(t, err)
		assert.Equal(t, before, cfg.Broker)
	})

	assert.Equal(t, mqttv3.BrokerConfig{URL: "broker.local", Port: 1884, KeepAlive: 60, QoS: 2}, cfg.ManagerBroker())
}

func TestSessionOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.SessionOptions(), 2)

	cfg.Broker.Proxy = "env"
	assert.Len(t, cfg.SessionOptions(), 3)

	cfg.Broker.CommandTimeout = 0
	cfg.Broker.MaxRetries = 0
	cfg.Broker.Proxy = ""
	assert.Empty(t, cfg.SessionOptions())

	assert.Equal(t, 5*time.Second, time.Duration(Default().Broker.CommandTimeout)*time.Second)
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Device.ID = "dev1"
	cfg.Device.Secret = "pw"
	_, err := cfg.ApplyBroker("broker.local", -1, 45, 1)
	require.NoError(t, err)

	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}
