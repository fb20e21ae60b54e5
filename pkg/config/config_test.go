package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, TransportDirect, cfg.Transport)
	assert.Equal(t, ":3000", cfg.Listen)

	assert.True(t, cfg.Scan.AllowDuplicates)
	assert.Zero(t, cfg.Scan.MinRSSI)

	assert.Equal(t, 20*time.Second, cfg.Connect.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Connect.ConfirmTimeout)
	assert.Equal(t, 3, cfg.Connect.MaxAttempts)
	assert.Equal(t, 700*time.Millisecond, cfg.Connect.RetryDelay)
	assert.Equal(t, 300*time.Millisecond, cfg.Connect.PollInterval)

	assert.Equal(t, 100, cfg.Events.Buffer)
	assert.Equal(t, 256, cfg.Events.SubscriberBuffer)

	assert.Equal(t, 15*time.Second, cfg.Monitor.HealthInterval)
	assert.Equal(t, 10*time.Second, cfg.Monitor.SummaryInterval)
	assert.Equal(t, 50, cfg.Monitor.SummaryRows)

	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, "blescope", cfg.MQTT.Topic)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blescope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
transport: bluez
listen: ":8080"
scan:
  min_rssi: -90
  block_list: ["aa:bb:cc:dd:ee:ff"]
connect:
  confirm_timeout: 5s
  retry_delay: 250ms
mqtt:
  broker: tcp://localhost:1883
`), 0o600))

	t.Setenv("PORT", "4000")
	t.Setenv("FILTER_MIN_RSSI", "-75")
	t.Setenv("ALLOW_DUPLICATES", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, TransportBluez, cfg.Transport)
	assert.Equal(t, ":4000", cfg.Listen, "env overrides the file")
	assert.Equal(t, -75, cfg.Scan.MinRSSI)
	assert.False(t, cfg.Scan.AllowDuplicates)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff"}, cfg.Scan.BlockList)
	assert.Equal(t, 5*time.Second, cfg.Connect.ConfirmTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Connect.RetryDelay)
	assert.Equal(t, 20*time.Second, cfg.Connect.Timeout, "unset keys keep defaults")
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "unknown transport", env: map[string]string{"BLE_TRANSPORT": "serial"}},
		{name: "bad min rssi", env: map[string]string{"FILTER_MIN_RSSI": "loud"}},
		{name: "bad allow duplicates", env: map[string]string{"ALLOW_DUPLICATES": "maybe"}},
		{name: "zero attempts", file: "connect:\n  max_attempts: 0\n"},
		{name: "malformed yaml", file: "scan: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "cfg.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o600))
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			logLevel: logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: logrus.WarnLevel,
		},
		{
			name:     "creates logger with error level",
			logLevel: logrus.ErrorLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
