package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
microsoft:
  client_id: from-file
  scopes: [Files.ReadWrite, offline_access]
redis:
  addresses: [redis-a:6379]
sync:
  batch_delay_ms: 750
`), 0o600))
	t.Setenv("INVOICESYNC_MICROSOFT_CLIENT_ID", "from-env")
	t.Setenv("INVOICESYNC_REDIS_ADDRESSES", "redis-1:6379, redis-2:6379")
	t.Setenv("INVOICESYNC_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Microsoft.ClientID)
	assert.Equal(t, []string{"Files.ReadWrite", "offline_access"}, cfg.Microsoft.Scopes)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.Redis.Addresses)
	assert.Equal(t, 750, cfg.Sync.BatchDelayMS)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "Invoices", cfg.Sync.InvoiceDirectory)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("INVOICESYNC_MICROSOFT_CLIENT_ID", "abc")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	t.Setenv("INVOICESYNC_MICROSOFT_CLIENT_ID", "abc")
	t.Setenv("INVOICESYNC_SYNC_BATCH_DELAY_MS", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "INVOICESYNC_SYNC_BATCH_DELAY_MS")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Microsoft.ClientID = "abc"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"client id", func(c *Config) { c.Microsoft.ClientID = "" }, "client_id"},
		{"port", func(c *Config) { c.Server.Port = "http" }, "server.port"},
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"batch delay", func(c *Config) { c.Sync.BatchDelayMS = 100 }, "batch_delay_ms"},
		{"blob credentials", func(c *Config) { c.Blob.Bucket = "invoices" }, "blob credentials"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"session secret", func(c *Config) { c.Server.SessionSecret = "short" }, "session_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "invoice_id", "inv-1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"invoice_id":"inv-1"`)

	_, err = NewLogger(LogConfig{Level: "verbose"}, &buf)
	assert.Error(t, err)
}
