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
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BackendGoBLE, cfg.Backend)
	assert.Equal(t, 0, cfg.HCIDevice)
	assert.Equal(t, 256, cfg.InboxSize)
	assert.Equal(t, 128, cfg.EventBuffer)
	assert.Equal(t, uint32(64), cfg.EventHistory)
	assert.Equal(t, "block", cfg.OverflowPolicy)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.OperationTimeout)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blecentral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
backend: tinygo
hci_device: 1
scan_timeout: 3s
overflow_policy: drop-oldest
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, BackendTinyGo, cfg.Backend)
	assert.Equal(t, 1, cfg.HCIDevice)
	assert.Equal(t, 3*time.Second, cfg.ScanTimeout)
	assert.Equal(t, "drop-oldest", cfg.OverflowPolicy)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout, "fields absent from the file MUST keep their defaults")
	assert.Equal(t, 256, cfg.InboxSize)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"unknown backend", "backend: bluez\n", "unknown backend"},
		{"bad level", "log_level: loud\n", "not a valid logrus Level"},
		{"bad policy", "overflow_policy: drop-newest\n", "unknown overflow policy"},
		{"zero inbox", "inbox_size: 0\n", "inbox_size must be positive"},
		{"malformed", "backend: [\n", "failed to parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{"creates logger with debug level", "debug", logrus.DebugLevel},
		{"creates logger with info level", "info", logrus.InfoLevel},
		{"creates logger with warn level", "warn", logrus.WarnLevel},
		{"creates logger with error level", "error", logrus.ErrorLevel},
		{"falls back to info", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
