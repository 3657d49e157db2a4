package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Hub/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"hub": {"company_path": "company.yaml"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "openmcp-hub", cfg.Hub.Name)
	assert.Equal(t, 30*time.Second, cfg.Hub.DispatchTimeout.Std())
	assert.Equal(t, filepath.Join(dir, "company.yaml"), cfg.Hub.CompanyPath)
	assert.Equal(t, "memory", cfg.Router.Transport)
	assert.Equal(t, "memory", cfg.History.Driver)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadParsesDurationsAndDrivers(t *testing.T) {
	path := writeConfig(t, `{
  "hub": {"name": "hub-a", "dispatch_timeout": "5s"},
  "router": {"transport": "redis", "redis": {"address": "redis:6379", "block_wait": 2}},
  "history": {"driver": "sqlite"},
  "agents": [{"id": "writer-1", "capabilities": ["write"], "pipeline": ["text.echo"], "task_timeout": "1m"}]
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Hub.DispatchTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Router.Redis.BlockWait.Std())
	assert.Equal(t, time.Minute, cfg.Agents[0].TaskTimeout.Std())
	assert.Equal(t, "file:"+filepath.Join(filepath.Dir(path), "data", "history.db"), cfg.History.DSN)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"transport": `{"router": {"transport": "kafka"}}`,
		"history":   `{"history": {"driver": "oracle"}}`,
		"mysql dsn": `{"history": {"driver": "mysql"}}`,
		"agent":     `{"agents": [{"id": "a"}]}`,
		"duplicate": `{"agents": [{"id": "a", "capabilities": ["x"], "pipeline": ["x"]}, {"id": "a", "capabilities": ["x"], "pipeline": ["x"]}]}`,
		"duration":  `{"hub": {"dispatch_timeout": "soon"}}`,
		"malformed": `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), "got %v", err)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "openmcp-hub", cfg.Hub.Name)

	t.Setenv(EnvConfigPath, writeConfig(t, `{"hub": {"name": "hub-env"}}`))
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "hub-env", cfg.Hub.Name)
}
