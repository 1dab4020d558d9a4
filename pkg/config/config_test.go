package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nestor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Queue.Endpoint)
	assert.Equal(t, 25, cfg.Engine.StepCapDefault)
	assert.Equal(t, 120, cfg.Tools.DefaultCallTimeoutSeconds)
	assert.Equal(t, 30, cfg.Tools.StartupTimeoutSeconds)
	assert.Equal(t, 30, cfg.Sessions.RetentionDays)
	assert.Equal(t, "daily", cfg.Trajectory.Grouping)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("NESTOR_TEST_REDIS", "redis://queue-host:6379/2")

	path := writeConfig(t, `
queue:
  endpoint: ${NESTOR_TEST_REDIS}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://queue-host:6379/2", cfg.Queue.Endpoint)
}

func TestLoad_EnvExpansionDefault(t *testing.T) {
	path := writeConfig(t, `
trajectory:
  dir: ${NESTOR_UNSET_DIR:-/var/lib/nestor}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/nestor", cfg.Trajectory.Dir)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_ENDPOINT", "redis://override:6379/0")
	t.Setenv("STEP_CAP_DEFAULT", "7")
	t.Setenv("WORKER_POOL_SIZE_CODE", "9")
	t.Setenv("TRAJECTORY_GROUPING", "weekly")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://override:6379/0", cfg.Queue.Endpoint)
	assert.Equal(t, 7, cfg.Engine.StepCapDefault)
	assert.Equal(t, 9, cfg.Queue.PoolSize(protocol.TaskTypeCode))
	assert.Equal(t, "weekly", cfg.Trajectory.Grouping)
}

func TestLoad_InvalidGroupingRejected(t *testing.T) {
	path := writeConfig(t, `
trajectory:
  grouping: hourly
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidPortRangeRejected(t *testing.T) {
	path := writeConfig(t, `
tools:
  port_range_lo: 9000
  port_range_hi: 8000
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_DuplicateServerIDRejected(t *testing.T) {
	path := writeConfig(t, `
tools:
  servers:
    - server_id: microsandbox
      dir: /srv/microsandbox
    - server_id: microsandbox
      dir: /srv/other
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_UnknownProviderRejected(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: missing
providers:
  default:
    model: gpt-4o
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestQueueConfig_PoolSizeFallback(t *testing.T) {
	cfg := QueueConfig{}
	cfg.SetDefaults()

	assert.Equal(t, cfg.DefaultPoolSize, cfg.PoolSize(protocol.TaskTypeWeb))
}

func TestSessionConfig_KeepRecentBelowThreshold(t *testing.T) {
	cfg := SessionConfig{SummarizeAfterSteps: 10, KeepRecentSteps: 12}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())
}
