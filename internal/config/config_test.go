package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.NoError(t, c.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recurflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/recurflow/state.db
http:
  addr: 127.0.0.1:9000
log:
  level: debug
  console: false
expense:
  base_url: https://api.example.com
  timeout: 10s
  timezone: Europe/Berlin
scheduler:
  max_retries: 5
  tick: 2m
notify:
  webhook_url: https://hooks.example.com/x
  retention: 72h
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/recurflow/state.db", c.DBPath)
	assert.Equal(t, "127.0.0.1:9000", c.HTTP.Addr)
	assert.Equal(t, "debug", c.Log.Level)
	assert.False(t, c.Log.Console)
	assert.Equal(t, 10*time.Second, c.Expense.Timeout)
	assert.Equal(t, 5, c.Scheduler.MaxRetries)
	assert.Equal(t, 2*time.Minute, c.Scheduler.Tick)
	assert.Equal(t, 72*time.Hour, c.Notify.Retention)
	// untouched keys keep their defaults
	assert.Equal(t, 24*time.Hour, c.Scheduler.Retention)
	assert.Equal(t, 50, c.Notify.HistoryLimit)
	assert.NoError(t, c.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [oops"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"retries", func(c *Config) { c.Scheduler.MaxRetries = 0 }, "max_retries"},
		{"tick", func(c *Config) { c.Scheduler.Tick = 30 * time.Second }, "scheduler.tick"},
		{"db", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"timezone", func(c *Config) { c.Expense.Timezone = "Mars/Olympus" }, "expense.timezone"},
		{"ttl", func(c *Config) { c.Auth.TTL = 0 }, "auth.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
