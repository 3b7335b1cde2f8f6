package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Redis.RunTTL)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 256, cfg.Engine.EventBuffer)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promptflow.yaml")
	data := []byte(`
log:
  level: debug
redis:
  enabled: true
  addr: redis:6379
  run_ttl: 1h
llm:
  model: local-model
  timeout: 30s
engine:
  event_buffer: 16
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("PROMPTFLOW_LLM_API_KEY", "secret")
	t.Setenv("PROMPTFLOW_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.RedisOptions().Addr)
	assert.Equal(t, time.Hour, cfg.RedisOptions().RunTTL)
	assert.Equal(t, "secret", cfg.OpenAIOptions().APIKey)
	assert.Equal(t, "local-model", cfg.OpenAIOptions().DefaultModel)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 16, cfg.Engine.EventBuffer)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  event_buffer: 0\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "event_buffer")
}
