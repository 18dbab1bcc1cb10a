package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.RetryInterval())
	assert.Equal(t, 3, cfg.Engine.MaxRetryCount)
	assert.Equal(t, 10*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 7, cfg.Engine.StatsDays)
	assert.Equal(t, "loopmatic.db", cfg.Database.SQLitePath)
	assert.Equal(t, "loopmatic.events", cfg.AMQP.Exchange)
	assert.NotNil(t, cfg.Location())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, `
database:
  sqlite_path: /var/lib/loopmatic.db
telegram:
  admin_ids: [11, 12]
engine:
  retry_interval_minutes: 5
  max_retry_count: 2
  poll_interval: 30s
  timezone: UTC
`)
	t.Setenv("MAX_RETRY_COUNT", "4")
	t.Setenv("ADMIN_IDS", "99, 100")
	t.Setenv("DELIVERY_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/loopmatic.db", cfg.Database.SQLitePath)
	assert.Equal(t, 5*time.Minute, cfg.RetryInterval())
	assert.Equal(t, 4, cfg.Engine.MaxRetryCount)
	assert.Equal(t, 30*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Engine.DeliveryTimeout)
	assert.Equal(t, []int64{99, 100}, cfg.Telegram.AdminIDs)
	assert.True(t, cfg.IsAdmin(100))
	assert.False(t, cfg.IsAdmin(11))
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	path := writeFile(t, "{}")
	t.Setenv("POLL_INTERVAL", "soon")
	_, err := Load(path)
	assert.ErrorContains(t, err, "POLL_INTERVAL")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"retry interval": func(c *Config) { c.Engine.RetryIntervalMinutes = 0 },
		"retry count":    func(c *Config) { c.Engine.MaxRetryCount = -1 },
		"poll interval":  func(c *Config) { c.Engine.PollInterval = 0 },
		"stats window":   func(c *Config) { c.Engine.StatsDays = 0 },
		"timeout":        func(c *Config) { c.Engine.DeliveryTimeout = -time.Second },
		"workers":        func(c *Config) { c.Engine.DeliveryWorkers = 0 },
		"timezone":       func(c *Config) { c.Engine.Timezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Engine.MaxRetryCount = 0
	assert.NoError(t, cfg.Validate())
}
