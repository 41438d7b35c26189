package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/scrape/stages"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 10, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, 20, cfg.Orchestrator.ConfirmThreshold)
	assert.Equal(t, 300, cfg.Orchestrator.LogCapacity)
	assert.Equal(t, 2, cfg.Backoff.MaxRetries)
	assert.Equal(t, 60*time.Second, MustDuration(cfg.Backoff.RateLimitWait, 0))
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[server]
port = 9000

[orchestrator]
concurrency = 4

[backends.announcements]
url = "http://scraper.local/api/scrape/announcements"
enabled = true
schedule = "0 6 * * 1-5"
`)
	override := writeConfig(t, "override.toml", `
[server]
port = 9100

[backoff]
max_retries = 5
`)

	cfg, err := LoadFromFiles(base, "", override)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 5, cfg.Backoff.MaxRetries)
	require.Contains(t, cfg.Backends, "announcements")
	assert.Equal(t, "0 6 * * 1-5", cfg.Backends["announcements"].Schedule)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFiles_Errors(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	bad := writeConfig(t, "bad.toml", "[server\nport = ")
	_, err = LoadFromFiles(bad)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	path := writeConfig(t, "harvest.toml", `
[backends.grant-applicants]
url = "http://old"
enabled = true
`)
	t.Setenv("HARVEST_SERVER_PORT", "7070")
	t.Setenv("HARVEST_SERVER_HOST", "0.0.0.0")
	t.Setenv("HARVEST_LOG_LEVEL", "debug")
	t.Setenv("HARVEST_BADGER_PATH", "/tmp/harvest-data")
	t.Setenv("HARVEST_GRANT_APPLICANTS_URL", "http://new")
	t.Setenv("HARVEST_GRANT_APPLICANTS_BATCH_URL", "http://new/batch")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/harvest-data", cfg.Storage.Badger.Path)
	assert.Equal(t, "http://new", cfg.Backends["grant-applicants"].URL)
	assert.Equal(t, "http://new/batch", cfg.Backends["grant-applicants"].BatchURL)
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	ApplyFlagOverrides(cfg, 0, "")
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)

	ApplyFlagOverrides(cfg, 9999, "127.0.0.1")
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"concurrency above max", func(c *Config) { c.Orchestrator.Concurrency = 11 }},
		{"log capacity", func(c *Config) { c.Orchestrator.LogCapacity = 0 }},
		{"duration", func(c *Config) { c.Orchestrator.IdleTimeout = "soon" }},
		{"negative retries", func(c *Config) { c.Backoff.MaxRetries = -1 }},
		{"backend without url", func(c *Config) {
			c.Backends["a"] = BackendConfig{Enabled: true}
		}},
		{"backend schedule", func(c *Config) {
			c.Backends["a"] = BackendConfig{Enabled: true, URL: "http://x", Schedule: "* * * * *"}
		}},
		{"backend progress", func(c *Config) {
			c.Backends["a"] = BackendConfig{Enabled: true, URL: "http://x", Progress: map[string]stages.Anchor{
				"teleport": {Stage: stages.StageConnect, Min: 1, Max: 2},
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := NewDefaultConfig()
	cfg.Backends["disabled"] = BackendConfig{}
	assert.NoError(t, cfg.Validate(), "disabled backends are not checked")
}

func TestBackendConfig_Profile(t *testing.T) {
	b := BackendConfig{
		Progress: map[string]stages.Anchor{
			string(models.EventCaptcha): {Stage: stages.StageCaptcha, Min: 25, Max: 35},
		},
	}

	profile, err := b.Profile("announcements")
	require.NoError(t, err)
	assert.Equal(t, stages.DefaultStages(), profile.Stages)
	assert.Equal(t, stages.Anchor{Stage: stages.StageCaptcha, Min: 25, Max: 35}, profile.Table[models.EventCaptcha])
	assert.Equal(t, stages.DefaultTable()[models.EventSearch], profile.Table[models.EventSearch])

	custom := BackendConfig{Stages: []string{"Connect", "Fetch"}}
	_, err = custom.Profile("grants")
	assert.Error(t, err, "default table references stages missing from the custom list")
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("0 6 * * *"))
	assert.NoError(t, ValidateSchedule("*/15 * * * *"))
	assert.Error(t, ValidateSchedule("* * * * *"))
	assert.Error(t, ValidateSchedule("*/2 * * * *"))
	assert.Error(t, ValidateSchedule("not a schedule"))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration(" 250ms ", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDuration("-1s", 0)
	assert.Error(t, err)
	assert.Equal(t, time.Second, MustDuration("bogus", time.Second))
}
