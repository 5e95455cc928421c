package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "4000", cfg.Server.Port)
	assert.Equal(t, "none", cfg.Cluster.Strategy)
	assert.Equal(t, "ets", cfg.Storage.TaskStore)
	assert.Equal(t, ":4000", cfg.Addr())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "8080"
  region: eu-west-1
storage:
  redis_url: redis://localhost:6379/0
  task_store: redis
cluster:
  strategy: gossip
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "eu-west-1", cfg.Server.Region)
	assert.Equal(t, "redis", cfg.Storage.TaskStore)
	assert.Equal(t, "gossip", cfg.Cluster.Strategy)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"8080\"\n"), 0o600))
	t.Setenv("PORT", "9000")
	t.Setenv("HUB_REGION", "us-east-1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "us-east-1", cfg.Server.Region)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("CLUSTER_STRATEGY", "raft")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("CLUSTER_STRATEGY", "gossip")
	_, err = Load("")
	assert.ErrorContains(t, err, "REDIS_URL")

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gossip", cfg.Cluster.Strategy)

	t.Setenv("CLUSTER_STRATEGY", "none")
	t.Setenv("REDIS_URL", "")
	t.Setenv("TASK_STORE", "redis")
	_, err = Load("")
	assert.ErrorContains(t, err, "TASK_STORE")
}
