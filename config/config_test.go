package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "service-engine.db", cfg.DB)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, "0 9 * * *", cfg.Sweep.Schedule)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.Timeout)
	assert.NotEmpty(t, cfg.CORS.Origins)
}

func TestLoad_Precedence(t *testing.T) {
	// GIVEN: A .env file, an environment variable and a flag for overlapping keys
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"SERVICE_ENGINE_PORT=9000\nSERVICE_ENGINE_LOG_LEVEL=warn\nSERVICE_ENGINE_DB=file.db\n",
	), 0o600))
	t.Setenv("SERVICE_ENGINE_LOG_LEVEL", "debug")
	t.Setenv("SERVICE_ENGINE_SHUTDOWN_TIMEOUT", "5s")

	// WHEN: Loading with a flag that overrides the db path
	cfg, err := load([]string{"--db", ":memory:"}, envFile)
	require.NoError(t, err)

	// THEN: flag > env > .env > default
	assert.Equal(t, ":memory:", cfg.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Shutdown.Timeout)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := load([]string{
		"--port", "9090",
		"--log-format", "console",
		"--sweep-schedule", "*/15 * * * *",
		"--cors-origins", "https://a.example,https://b.example",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "*/15 * * * *", cfg.Sweep.Schedule)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.Origins)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][]string{
		"port out of range": {"--port", "70000"},
		"bad cron spec":     {"--sweep-schedule", "every day"},
		"bad log level":     {"--log-level", "loud"},
		"bad log format":    {"--log-format", "xml"},
		"unknown flag":      {"--nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(args, "")
			assert.Error(t, err)
		})
	}
}

func TestLoad_DisabledSweepSkipsScheduleCheck(t *testing.T) {
	cfg, err := load([]string{"--sweep-enabled=false", "--sweep-schedule", "never"}, "")
	require.NoError(t, err)
	assert.False(t, cfg.Sweep.Enabled)
}
