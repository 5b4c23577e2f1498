package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cyberrange/pkg/log"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cyberrange.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cyberrange", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, ":9090", cfg.API.GRPCHealthAddr)
	assert.Equal(t, BackendDocker, cfg.Runtime.Backend)
	assert.Equal(t, "/run/containerd/containerd.sock", cfg.Runtime.ContainerdSocket)
	assert.Equal(t, 4, cfg.Jobs.Workers.Coordinator)
	assert.Equal(t, 3, cfg.Jobs.Workers.Transfer)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.DefaultTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Jobs.ProgressInterval)
	assert.Equal(t, 4, cfg.Deploy.VMConcurrency)
	assert.Equal(t, 1, cfg.Deploy.MinRunningVMs)
	assert.Equal(t, 10*time.Second, cfg.Deploy.StopTimeout)
	assert.Equal(t, "/var/lib/cyberrange/artifacts", cfg.Artifact.CacheDir)
	assert.Equal(t, EventsBolt, cfg.Events.Backend)
	assert.Equal(t, 64, cfg.Events.SubscriberBuffer)
	assert.Zero(t, cfg.Events.Retention)
	assert.Empty(t, cfg.Events.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.Interval)

	assert.GreaterOrEqual(t, cfg.RuntimeSlots(), 2)
	assert.Equal(t, log.InfoLevel, cfg.Logging().Level)
}

func TestFileOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/range
log:
  level: debug
  json: true
runtime:
  backend: containerd
  max_concurrent_calls: 6
jobs:
  workers:
    transfer: 1
  retention: 2h
deploy:
  stop_timeout: 3s
artifact:
  s3:
    region: eu-west-1
    endpoint: http://minio:9000
events:
  backend: sqlite
  retention: 168h
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/range", cfg.DataDir)
	assert.Equal(t, "/srv/range/artifacts", cfg.Artifact.CacheDir)
	assert.Equal(t, BackendContainerd, cfg.Runtime.Backend)
	assert.Equal(t, 6, cfg.RuntimeSlots())
	assert.Equal(t, EventsSQLite, cfg.Events.Backend)

	logging := cfg.Logging()
	assert.Equal(t, log.DebugLevel, logging.Level)
	assert.True(t, logging.JSONOutput)

	engine := cfg.Engine()
	assert.Equal(t, 1, engine.Pools.Transfer)
	assert.Equal(t, 4, engine.Pools.Coordinator)
	assert.Equal(t, 2*time.Hour, engine.Retention)

	assert.Equal(t, 3*time.Second, cfg.Orchestrator().StopTimeout)
	assert.Equal(t, "eu-west-1", cfg.S3().Region)
	assert.Equal(t, "http://minio:9000", cfg.S3().Endpoint)
	assert.Equal(t, 168*time.Hour, cfg.Reconcile().EventRetention)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "api:\n  addr: \":7000\"\n")
	t.Setenv("CYBERRANGE_API_ADDR", ":7100")
	t.Setenv("CYBERRANGE_JOBS_WORKERS_LIFECYCLE", "9")
	t.Setenv("CYBERRANGE_EVENTS_REDIS_ADDR", "redis:6379")
	t.Setenv("CYBERRANGE_RECONCILER_INTERVAL", "5s")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.API.Addr)
	assert.Equal(t, 9, cfg.Engine().Pools.Lifecycle)
	assert.Equal(t, "redis:6379", cfg.Events.RedisAddr)
	assert.Equal(t, 5*time.Second, cfg.Reconcile().Interval)
}

func TestExplicitSetWins(t *testing.T) {
	t.Setenv("CYBERRANGE_DATA_DIR", "/from/env")
	v := New()
	v.Set("data_dir", "/from/flag")

	cfg, err := Load(v, writeConfig(t, "data_dir: /from/file\n"))
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.DataDir)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown runtime backend", "runtime:\n  backend: podman\n"},
		{"unknown events backend", "events:\n  backend: kafka\n"},
		{"negative runtime slots", "runtime:\n  max_concurrent_calls: -1\n"},
		{"negative subscriber buffer", "events:\n  subscriber_buffer: -5\n"},
		{"empty data dir", "data_dir: \"\"\n"},
		{"malformed yaml", "api: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
